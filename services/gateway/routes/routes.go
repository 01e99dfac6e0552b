// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/femiora/ora-gateway/services/gateway/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options toggles optional routes.
type Options struct {
	// MetricsEnabled exposes GET /metrics.
	MetricsEnabled bool
}

// SetupRoutes registers the gateway routes on router.
//
// The companion web app posts to /api/ora/chat; /chat is kept as a short
// alias for local tooling.
func SetupRoutes(router *gin.Engine, relay handlers.RelayHandler, opts Options) {
	router.GET("/health", handlers.HealthCheck)
	if opts.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.POST("/api/ora/chat", relay.HandleChat)
	router.POST("/chat", relay.HandleChat)
}
