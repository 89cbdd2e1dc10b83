// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/credissuer/pkg/accesstoken"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
)

// TokenRoutes defines the OAuth2 token endpoint.
type TokenRoutes struct {
	exchanger TokenExchanger
}

// TokenRouter creates the token router.
func TokenRouter(exchanger TokenExchanger) http.Handler {
	routes := &TokenRoutes{exchanger: exchanger}

	r := chi.NewRouter()
	r.Post("/", routes.token)
	return r
}

// token redeems an authorization code authenticated by a private_key_jwt
// client assertion. Errors use the OAuth2 JSON error format.
func (t *TokenRoutes) token(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorResponse{
			Error:            oauth.ErrorInvalidRequest,
			ErrorDescription: "failed to read request body",
		})
		return
	}

	resp, err := t.exchanger.Exchange(r.Context(), string(body))
	if err != nil {
		status, errResp := oauthFailure(err)
		if status >= http.StatusInternalServerError {
			logger.Errorw("token exchange failed", "error", err)
		} else {
			logger.Infow("token request rejected", "error", errResp.Error, "reason", err)
		}
		writeOAuthError(w, status, errResp)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// oauthFailure maps an exchange or authentication error to a status and
// OAuth2 error body.
func oauthFailure(err error) (int, oauth.ErrorResponse) {
	var oauthErr *accesstoken.OAuthError
	if !errors.As(err, &oauthErr) {
		return http.StatusInternalServerError, oauth.ErrorResponse{Error: oauth.ErrorServerError}
	}

	switch oauthErr.Code {
	case oauth.ErrorServerError:
		return http.StatusInternalServerError, oauthErr.Response()
	case oauth.ErrorInvalidClient, oauth.ErrorInvalidToken:
		return http.StatusUnauthorized, oauthErr.Response()
	case oauth.ErrorAccessDenied:
		return http.StatusForbidden, oauthErr.Response()
	default:
		return http.StatusBadRequest, oauthErr.Response()
	}
}
