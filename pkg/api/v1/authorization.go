// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/credissuer/pkg/api/errors"
	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
)

// HeaderSessionID carries the session id on authorization requests.
const HeaderSessionID = "session-id"

// AuthorizationRoutes defines the authorization code route.
type AuthorizationRoutes struct {
	sessions SessionStore
}

// AuthorizationRouter creates the authorization router.
func AuthorizationRouter(sessions SessionStore) http.Handler {
	routes := &AuthorizationRoutes{sessions: sessions}

	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.authorize))
	return r
}

type authorizationResponse struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri"`
}

// authorize issues an authorization code for a live session whose client
// and redirect uri match the query.
func (a *AuthorizationRoutes) authorize(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		return crierrors.NewValidationError("session-id header is required", nil)
	}

	query := r.URL.Query()
	clientID := query.Get(oauth.ParamClientID)
	redirectURI := query.Get(oauth.ParamRedirectURI)
	responseType := query.Get(oauth.ParamResponseType)

	var missing []string
	for _, p := range []struct{ name, value string }{
		{oauth.ParamClientID, clientID},
		{oauth.ParamRedirectURI, redirectURI},
		{oauth.ParamResponseType, responseType},
	} {
		if p.value == "" {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return crierrors.NewValidationError(
			"missing required authorization parameters: "+strings.Join(missing, ", "), nil)
	}
	if responseType != oauth.ResponseTypeCode {
		return crierrors.NewValidationError(fmt.Sprintf("unsupported response_type: %s", responseType), nil)
	}

	sess, err := a.sessions.ValidateSessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ClientID != clientID {
		return crierrors.NewValidationError("client_id does not match session client id", nil)
	}
	if sess.RedirectURI != redirectURI {
		return crierrors.NewValidationError(
			fmt.Sprintf("redirect uri %s does not match session redirect uri %s", redirectURI, sess.RedirectURI), nil)
	}

	code, err := a.sessions.CreateAuthorizationCode(ctx, sess)
	if err != nil {
		return err
	}

	logger.Infow("authorization code issued", "session_id", sess.SessionID, "client_id", clientID)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, authorizationResponse{
		Code:        code,
		State:       sess.State,
		RedirectURI: sess.RedirectURI,
	})
	return nil
}
