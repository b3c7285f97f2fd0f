package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Helper function to create a test JWT token
func createTestToken(secret, userID, ownerID, userType string, expiry time.Duration) string {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		OwnerID:  ownerID,
		UserType: userType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "perimetra",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func testAuthenticator(secret string) *JWTAuthenticator {
	return NewJWTAuthenticator(&config.JWTConfig{Secret: secret})
}

func TestJWTAuth_ValidToken(t *testing.T) {
	secret := "test-secret-key-for-jwt-testing"
	authenticator := testAuthenticator(secret)

	ownerID := uuid.New().String()
	token := createTestToken(secret, "user-123", ownerID, "operator", 15*time.Minute)

	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"owner_id": GetOwnerIDFromContext(c),
		})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestJWTAuth_MissingToken(t *testing.T) {
	authenticator := testAuthenticator("test-secret")

	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	authenticator := testAuthenticator("test-secret")

	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	secret := "test-secret"
	authenticator := testAuthenticator(secret)

	token := createTestToken(secret, "user-123", uuid.New().String(), "operator", -time.Hour)

	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_WrongSecret(t *testing.T) {
	authenticator := testAuthenticator("right-secret")

	token := createTestToken("wrong-secret", "user-123", uuid.New().String(), "operator", 15*time.Minute)

	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	secret := "test-secret"
	authenticator := testAuthenticator(secret)

	tests := []struct {
		name     string
		userType string
		allowed  []models.UserType
		want     int
	}{
		{"admin allowed", "admin", []models.UserType{models.UserTypeAdmin}, http.StatusOK},
		{"viewer denied admin route", "viewer", []models.UserType{models.UserTypeAdmin}, http.StatusForbidden},
		{"operator allowed on multi-role", "operator", []models.UserType{models.UserTypeAdmin, models.UserTypeOperator}, http.StatusOK},
		{"viewer denied multi-role", "viewer", []models.UserType{models.UserTypeAdmin, models.UserTypeOperator}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := createTestToken(secret, "user-123", uuid.New().String(), tt.userType, 15*time.Minute)

			router := gin.New()
			router.Use(authenticator.JWTAuth())
			router.Use(RequireRole(tt.allowed...))
			router.GET("/guarded", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"message": "success"})
			})

			req := httptest.NewRequest("GET", "/guarded", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequireAdminOrOperator(t *testing.T) {
	secret := "test-secret"
	authenticator := testAuthenticator(secret)

	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.Use(RequireAdminOrOperator())
	router.GET("/webhooks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	for userType, want := range map[string]int{
		"admin":    http.StatusOK,
		"operator": http.StatusOK,
		"viewer":   http.StatusForbidden,
	} {
		token := createTestToken(secret, "user-123", uuid.New().String(), userType, 15*time.Minute)
		req := httptest.NewRequest("GET", "/webhooks", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != want {
			t.Errorf("%s: expected status %d, got %d", userType, want, w.Code)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		wantToken  string
		wantErr    bool
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer abc123",
			wantToken:  "abc123",
			wantErr:    false,
		},
		{
			name:       "missing bearer prefix",
			authHeader: "abc123",
			wantToken:  "",
			wantErr:    true,
		},
		{
			name:       "empty header",
			authHeader: "",
			wantToken:  "",
			wantErr:    true,
		},
		{
			name:       "only bearer prefix",
			authHeader: "Bearer ",
			wantToken:  "",
			wantErr:    false,
		},
		{
			name:       "wrong prefix",
			authHeader: "Basic abc123",
			wantToken:  "",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := extractBearerToken(tt.authHeader)
			if (err != nil) != tt.wantErr {
				t.Errorf("extractBearerToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if token != tt.wantToken {
				t.Errorf("extractBearerToken() = %v, want %v", token, tt.wantToken)
			}
		})
	}
}

func TestOwnerIDContext(t *testing.T) {
	secret := "test-secret"
	authenticator := testAuthenticator(secret)
	ownerID := uuid.New().String()
	token := createTestToken(secret, "user-456", ownerID, "operator", 15*time.Minute)

	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.GET("/test", func(c *gin.Context) {
		if got := GetOwnerIDFromContext(c); got != ownerID {
			t.Errorf("Expected owner ID %s, got %s", ownerID, got)
		}
		c.JSON(http.StatusOK, gin.H{})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestRequestID_GeneratedWhenMissing(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" {
		t.Fatal("Request ID should be generated when not provided")
	}
	if _, err := uuid.Parse(requestID); err != nil {
		t.Errorf("Generated request ID should be a UUID, got %s", requestID)
	}
}

func TestRequestID_PropagatedFromHeader(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	expectedRequestID := "test-request-id-12345"
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", expectedRequestID)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != expectedRequestID {
		t.Errorf("Request ID should be propagated, expected %s, got %s", expectedRequestID, got)
	}
}
