// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │   (or ?access_token= on websocket upgrades)
//	   │
//	   ├─► authenticator.Validate(ctx, token)
//	   │
//	   └─► Mark the request authenticated
//	           │
//	           ▼
//	       Handler
//
// When no API token is configured the server runs open, which is the
// expected setup for a single-user local install.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgent/pkg/secrets"
)

// ErrUnauthorized is returned by an Authenticator for a bad token.
var ErrUnauthorized = errors.New("unauthorized")

// authenticatedKey marks a request that passed AuthMiddleware.
const authenticatedKey = "aleutian_authenticated"

// Authenticator validates a bearer token.
type Authenticator interface {
	Validate(ctx context.Context, token string) error
}

// =============================================================================
// Static token
// =============================================================================

// TokenAuthenticator accepts exactly one token, kept sealed in memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type TokenAuthenticator struct {
	token *secrets.Secret
}

// NewTokenAuthenticator creates an authenticator for token.
func NewTokenAuthenticator(token *secrets.Secret) *TokenAuthenticator {
	return &TokenAuthenticator{token: token}
}

// Validate compares token in constant time.
func (a *TokenAuthenticator) Validate(_ context.Context, token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	return a.token.Use(func(want string) error {
		if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
			return ErrUnauthorized
		}
		return nil
	})
}

// =============================================================================
// Middleware
// =============================================================================

// IsAuthenticated reports whether AuthMiddleware accepted the request.
func IsAuthenticated(c *gin.Context) bool {
	return c.GetBool(authenticatedKey)
}

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token, validates it with auth and aborts with 401
// on failure. Any Validate error is treated as a failed authentication;
// only ErrUnauthorized is reported as such to the client.
//
// # Inputs
//
//   - auth: Authenticator. Must not be nil.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(auth))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" && isWebSocketUpgrade(c.Request) {
			// Browsers cannot set headers on a websocket handshake.
			token = strings.TrimSpace(c.Query("access_token"))
		}

		if err := auth.Validate(c.Request.Context(), token); err != nil {
			msg := "authentication failed"
			if errors.Is(err, ErrUnauthorized) {
				msg = "unauthorized"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(authenticatedKey, true)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// # Description
//
// Parses "Bearer <token>"; the scheme is case-insensitive per RFC 7235.
// Returns empty string if the header is missing or malformed.
//
// # Examples
//
//	// Header: "Authorization: bearer ABC123"
//	token := extractBearerToken(c)
//	// token == "ABC123"
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
