// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/credissuer/pkg/logger"
)

// HealthcheckRouter sets up healthcheck route.
func HealthcheckRouter(store HealthChecker) http.Handler {
	routes := &healthcheckRoutes{store: store}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	store HealthChecker
}

// getHealthcheck answers 204 when the record store is reachable.
func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		logger.Warnw("health check failed", "error", err)
		http.Error(w, "record store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
