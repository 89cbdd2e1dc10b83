// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/credissuer/pkg/api/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
)

// ContentTypeJWT is the media type of issued credentials.
const ContentTypeJWT = "application/jwt"

// CredentialRoutes defines the bearer-protected credential endpoint.
type CredentialRoutes struct {
	exchanger TokenExchanger
	issuer    CredentialIssuer
}

// CredentialRouter creates the credential router.
func CredentialRouter(exchanger TokenExchanger, issuer CredentialIssuer) http.Handler {
	routes := &CredentialRoutes{exchanger: exchanger, issuer: issuer}

	r := chi.NewRouter()
	r.Post("/", routes.issue)
	return r
}

// issue authenticates the bearer token and returns a signed credential for
// its session.
func (c *CredentialRoutes) issue(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeBearerChallenge(w, http.StatusUnauthorized, oauth.ErrorResponse{
			Error:            oauth.ErrorInvalidRequest,
			ErrorDescription: "bearer token is required",
		})
		return
	}

	sess, err := c.exchanger.Authenticate(r.Context(), token)
	if err != nil {
		status, resp := oauthFailure(err)
		if status >= http.StatusInternalServerError {
			logger.Errorw("bearer authentication failed", "error", err)
			writeOAuthError(w, status, resp)
			return
		}
		logger.Infow("bearer token rejected", "reason", err)
		writeBearerChallenge(w, status, resp)
		return
	}

	apierrors.ErrorHandler(func(w http.ResponseWriter, r *http.Request) error {
		credential, err := c.issuer.Issue(r.Context(), sess)
		if err != nil {
			return err
		}
		logger.Infow("credential issued", "session_id", sess.SessionID, "client_id", sess.ClientID)
		w.Header().Set("Content-Type", ContentTypeJWT)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write([]byte(credential))
		if err != nil {
			logger.Debugw("failed to write credential", "error", err)
		}
		return nil
	})(w, r)
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, oauth.TokenTypeBearer) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeBearerChallenge writes an RFC 6750 error with its WWW-Authenticate header.
func writeBearerChallenge(w http.ResponseWriter, status int, resp oauth.ErrorResponse) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q`, resp.Error))
	writeOAuthError(w, status, resp)
}
