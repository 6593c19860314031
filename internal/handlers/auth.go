package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/relay"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login handles user login and JWT generation.
// For demo purposes, accepts any username/password combination; the username
// becomes the participant id, so it must be usable as a relay path segment.
func Login(jwtSecret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if !relay.ValidSegment(req.Username) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Username may only contain letters, digits, '-' and '_'",
			})
			return
		}

		userID := req.Username
		tokenString, err := middleware.IssueToken(jwtSecret, userID, tokenTTL)
		if err != nil {
			logger.Error("sign token", "user_id", userID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: userID,
		})
	}
}
