// api/handlers/auth_handlers.go
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"eventsite/api/models"
	"eventsite/api/store"
	"eventsite/api/utils"
)

const sessionCookieTTL = 24 * time.Hour

type UserStore interface {
	CreateUser(ctx context.Context, email string, hashedPassword []byte, role string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type AuthHandlers struct {
	UserStore UserStore
	Issuer    *utils.TokenIssuer
	// IsAdminEmail decides which signups get the admin role.
	IsAdminEmail func(email string) bool
	logger       *slog.Logger
}

func NewAuthHandlers(userStore UserStore, issuer *utils.TokenIssuer, isAdminEmail func(string) bool, logger *slog.Logger) *AuthHandlers {
	return &AuthHandlers{
		UserStore:    userStore,
		Issuer:       issuer,
		IsAdminEmail: isAdminEmail,
		logger:       logger.With("component", "auth_handlers"),
	}
}

func (h *AuthHandlers) Signup(c *gin.Context) {
	var req models.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	// 1. Reject emails that are already registered.
	_, err := h.UserStore.GetUserByEmail(c.Request.Context(), req.Email)
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("signup email check", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check user existence"})
		return
	}

	// 2. Hash the password.
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process password"})
		return
	}

	// 3. Pick the role and store the user.
	role := models.RoleGuest
	if h.IsAdminEmail != nil && h.IsAdminEmail(req.Email) {
		role = models.RoleAdmin
	}
	user, err := h.UserStore.CreateUser(c.Request.Context(), req.Email, hashedPassword, role)
	if err != nil {
		// Lost a race with a concurrent signup for the same email.
		if errors.Is(err, store.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
			return
		}
		h.logger.Error("create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register user"})
		return
	}

	h.logger.Info("user registered", "user_id", user.ID, "role", user.Role)
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully", "user_email": user.Email, "role": user.Role})
}

// Login checks credentials and issues the identity token as an HTTP-only cookie.
func (h *AuthHandlers) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	// 1. Look the user up by email.
	user, err := h.UserStore.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("login lookup", "error", err)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	// 2. Compare the provided password with the stored hash.
	if err := bcrypt.CompareHashAndPassword(user.HashedPassword, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	// 3. Issue the JWT as an HTTP-only cookie.
	tokenString, err := h.Issuer.GenerateJWT(user)
	if err != nil {
		h.logger.Error("generate jwt", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate authentication token"})
		return
	}

	c.SetCookie(
		"jwt_token",
		tokenString,
		int(sessionCookieTTL/time.Second),
		"/",
		"",
		false,
		true,
	)

	h.logger.Info("user logged in", "user_id", user.ID)
	c.JSON(http.StatusOK, gin.H{
		"message":    "Login successful",
		"user_email": user.Email,
		"role":       user.Role,
	})
}

func (h *AuthHandlers) Logout(c *gin.Context) {
	c.SetCookie(
		"jwt_token",
		"",
		-1,
		"/",
		"",
		false,
		true,
	)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}
