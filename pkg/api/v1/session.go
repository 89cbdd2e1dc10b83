// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/credissuer/pkg/api/errors"
	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
)

// SessionRoutes defines the session bootstrap route.
type SessionRoutes struct {
	parser   SessionRequestParser
	sessions SessionStore
}

// SessionRouter creates the session bootstrap router.
func SessionRouter(parser SessionRequestParser, sessions SessionStore) http.Handler {
	routes := &SessionRoutes{parser: parser, sessions: sessions}

	r := chi.NewRouter()
	r.Post("/", apierrors.ErrorHandler(routes.createSession))
	return r
}

type createSessionResponse struct {
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri"`
}

// createSession decrypts and verifies a signed session request and starts a
// session for it.
func (s *SessionRoutes) createSession(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return crierrors.NewValidationError("failed to read request body", err)
	}

	req, err := s.parser.Parse(ctx, body, clientIP(r))
	if err != nil {
		// Key service outages surface as retry errors, not crypto errors.
		if crierrors.IsCrypto(err) {
			return crierrors.NewValidationError("session request could not be decrypted", err)
		}
		return err
	}

	id, err := s.sessions.CreateSession(ctx, req)
	if err != nil {
		return err
	}

	logger.Infow("session created",
		"session_id", id,
		"client_id", req.ClientID,
		"context", req.Context.String())

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:   id,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	})
	return nil
}
