// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay is the signaling relay daemon: it authenticates users,
// routes signaling messages between them over WebSocket and persists the
// per-session message log for replay.
package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairtime/voicecall/internal/config"
)

const tokenTTL = 24 * time.Hour

// Router builds the relay's HTTP surface.
func Router(cfg *config.Config, store Store, log *slog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := NewHub(store, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(originFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/token", issueTokenHandler(cfg.JWTSecret))
		api.GET("/sessions/:key/messages", JWTAuth(cfg.JWTSecret), listMessagesHandler(store))
	}

	ws := router.Group("/ws")
	{
		ws.GET("/signal", JWTAuth(cfg.JWTSecret), hub.HandleWS)
	}

	return router
}

type tokenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// issueTokenHandler exchanges a user identity for a signed relay token.
// Identity verification against the account backend happens upstream; the
// relay only needs a stable user ID to route by.
func issueTokenHandler(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}
		token, err := IssueToken(secret, req.UserID, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

// listMessagesHandler serves the replay log of a session, scoped to
// messages addressed to the authenticated user.
func listMessagesHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionKey := c.Param("key")
		userID := c.GetString(userIDKey)

		msgs, err := store.List(c.Request.Context(), sessionKey, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

// originFilter rejects cross-origin browser requests that are not on the
// allow list. Non-browser clients send no Origin header and pass through.
func originFilter(allowed []string) gin.HandlerFunc {
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || allowedSet[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
	}
}
