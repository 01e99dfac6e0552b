// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► Assign or accept X-Request-ID, store in context
//	   │
//	   ▼
//	Recovery ───► Turn panics into the generic 500 body (if nothing streamed)
//	   │
//	   ▼
//	Handler (retrieves ID via GetRequestID)
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Context Keys
// =============================================================================

// requestIDKey is the Gin context key for the request ID.
const requestIDKey = "ora_request_id"

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// maxInboundIDLen bounds a caller-supplied request ID.
const maxInboundIDLen = 64

// InternalErrorMessage is the client-facing body for unexpected failures.
const InternalErrorMessage = "Ora could not respond. Please try again."

// =============================================================================
// Request ID
// =============================================================================

// RequestID assigns every request an ID.
//
// # Description
//
// A caller-supplied X-Request-ID is kept when it is short and printable;
// otherwise a UUID v4 is generated. The ID is stored in the Gin context and
// echoed in the response header.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if !validInboundID(id) {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the request ID, or "" outside the middleware.
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func validInboundID(id string) bool {
	if id == "" || len(id) > maxInboundIDLen {
		return false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}

// =============================================================================
// Recovery
// =============================================================================

// Recovery converts a handler panic into a 500 JSON error.
//
// # Description
//
// If the response has not started, the client gets
// {"error":"Ora could not respond. Please try again."}. If streaming had
// already begun the body is simply ended; a status can no longer change.
// The panic value is logged, never sent.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("handler panicked",
			"request_id", GetRequestID(c),
			"path", c.FullPath(),
			"panic", recovered,
		)
		if c.Writer.Written() {
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: InternalErrorMessage})
	})
}
