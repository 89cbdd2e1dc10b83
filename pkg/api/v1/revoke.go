// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
)

// RevokeRoutes defines the token revocation endpoint.
type RevokeRoutes struct {
	revoker TokenRevoker
}

// RevokeRouter creates the revocation router.
func RevokeRouter(revoker TokenRevoker) http.Handler {
	routes := &RevokeRoutes{revoker: revoker}

	r := chi.NewRouter()
	r.Post("/", routes.revoke)
	return r
}

// revoke revokes the access token in the form's token field. Unknown tokens
// answer 200 as RFC 7009 section 2.2 requires.
func (rr *RevokeRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorResponse{
			Error:            oauth.ErrorInvalidRequest,
			ErrorDescription: "revocation request body is not form encoded",
		})
		return
	}
	token := r.PostForm.Get(oauth.ParamToken)
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorResponse{
			Error:            oauth.ErrorInvalidRequest,
			ErrorDescription: "token is required",
		})
		return
	}

	err := rr.revoker.RevokeAccessToken(r.Context(), token)
	switch {
	case err == nil:
		logger.Infow("access token revoked", "token_hash", oauth.HashToken(token))
	case crierrors.IsInvalidArgument(err):
		logger.Debugw("revocation of unknown access token", "error", err)
	default:
		logger.Errorw("failed to revoke access token", "error", err)
		writeOAuthError(w, http.StatusServiceUnavailable, oauth.ErrorResponse{Error: oauth.ErrorServerError})
		return
	}
	w.WriteHeader(http.StatusOK)
}
