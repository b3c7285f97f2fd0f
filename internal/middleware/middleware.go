package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/config"
	apierrors "github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/models"
)

// Context keys for storing user information
const (
	ContextKeyUserID   = "user_id"
	ContextKeyOwnerID  = "owner_id"
	ContextKeyUserType = "user_type"
	ContextKeyClaims   = "claims"
)

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	OwnerID  string `json:"owner_id"` // organization or device owner the token is scoped to
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// JWTAuthenticator handles JWT token validation
type JWTAuthenticator struct {
	config *config.JWTConfig
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(cfg *config.JWTConfig) *JWTAuthenticator {
	return &JWTAuthenticator{
		config: cfg,
	}
}

// JWTAuth creates a middleware that validates JWT tokens from the Authorization header
// It extracts the Bearer token, validates it, and sets user information in the context
func (j *JWTAuthenticator) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondWithError(c, apierrors.ErrInvalidCredentialsError)
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		tokenString, err := extractBearerToken(authHeader)
		if err != nil {
			respondWithError(c, apierrors.ErrInvalidCredentialsError)
			c.Abort()
			return
		}

		// Validate token
		claims, err := j.validateToken(tokenString)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				respondWithError(c, apierrors.ErrTokenExpiredError)
			} else {
				respondWithError(c, apierrors.ErrInvalidCredentialsError)
			}
			c.Abort()
			return
		}

		// Set user info in context
		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyOwnerID, claims.OwnerID)
		c.Set(ContextKeyUserType, claims.UserType)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// validateToken parses and validates a JWT token
func (j *JWTAuthenticator) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.config.Secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// extractBearerToken extracts the token from a Bearer authorization header
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) {
		return "", ErrInvalidToken
	}
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidToken
	}
	return authHeader[len(bearerPrefix):], nil
}

// GetOwnerIDFromContext returns the owner scope of the authenticated user
func GetOwnerIDFromContext(c *gin.Context) string {
	ownerID, _ := c.Get(ContextKeyOwnerID)
	ownerIDStr, _ := ownerID.(string)
	return ownerIDStr
}

// RequireRole creates a middleware that checks if the user has one of the required roles
// This middleware must be used after JWTAuth middleware
func RequireRole(allowedRoles ...models.UserType) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get user type from context (set by JWTAuth middleware)
		userTypeStr, exists := c.Get(ContextKeyUserType)
		if !exists {
			respondWithError(c, apierrors.ErrForbiddenError)
			c.Abort()
			return
		}

		userType := models.UserType(userTypeStr.(string))

		// Check if user has one of the allowed roles
		hasRole := false
		for _, role := range allowedRoles {
			if userType == role {
				hasRole = true
				break
			}
		}

		if !hasRole {
			respondWithError(c, &apierrors.APIError{
				Code:       apierrors.ErrForbidden,
				Message:    fmt.Sprintf("Access denied. Required role: %v", allowedRoles),
				HTTPStatus: http.StatusForbidden,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireAdmin is a convenience middleware that requires the admin role
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(models.UserTypeAdmin)
}

// RequireAdminOrOperator is a convenience middleware that requires either admin or operator role
func RequireAdminOrOperator() gin.HandlerFunc {
	return RequireRole(models.UserTypeAdmin, models.UserTypeOperator)
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CORS handles cross-origin resource sharing headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// Check if origin is allowed
		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "43200") // 12 hours
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, err *apierrors.APIError) {
	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: reqIDStr,
	})
}
