package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	// AuthorizationHeader is the header name for authorization
	AuthorizationHeader = "Authorization"
	// UserIDKey is the context key for user ID
	UserIDKey = "user_id"
	// UserRoleKey is the context key for user role
	UserRoleKey = "user_role"

	// MinSecretLength is the shortest accepted signing secret
	MinSecretLength = 32
)

// Role grants access to guarded routes
type Role string

const (
	// RoleOperator may use the debug routes
	RoleOperator Role = "operator"
	// RoleAdmin may also update firmware, reboot and wipe config
	RoleAdmin Role = "admin"
)

func (r Role) covers(required Role) bool {
	return r == required || r == RoleAdmin
}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOperator, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Secret      string        `yaml:"secret"`
	Issuer      string        `yaml:"issuer"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// DefaultAuthConfig returns auth settings with guarding disabled
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:     false,
		Issuer:      "pi-doser",
		TokenExpiry: 24 * time.Hour,
	}
}

// Claims is the JWT payload
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthManager mints and checks HS256 bearer tokens
type AuthManager struct {
	config *AuthConfig
	secret []byte
	logger *logrus.Entry
	now    func() time.Time
}

// NewAuthManager validates the secret and creates a manager
func NewAuthManager(config *AuthConfig, logger logrus.FieldLogger) (*AuthManager, error) {
	if config == nil {
		config = DefaultAuthConfig()
	}
	if len(config.Secret) < MinSecretLength {
		return nil, fmt.Errorf("auth secret must be at least %d characters", MinSecretLength)
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = 24 * time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &AuthManager{
		config: config,
		secret: []byte(config.Secret),
		logger: logger.WithField("component", "auth"),
		now:    time.Now,
	}, nil
}

// GenerateToken signs a token for subject with role
func (am *AuthManager) GenerateToken(subject string, role Role) (string, time.Time, error) {
	now := am.now()
	expires := now.Add(am.config.TokenExpiry)

	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    am.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(am.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken parses and verifies a signed token
func (am *AuthManager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(am.now),
	}
	if am.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(am.config.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return am.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, err
	}
	return claims, nil
}

// Auth requires a valid bearer token and stores its subject and role
func (am *AuthManager) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(AuthorizationHeader)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if header == "" || !ok || token == "" {
			unauthorized(c, "Bearer token is required")
			return
		}

		claims, err := am.ValidateToken(token)
		if err != nil {
			am.logger.WithError(err).WithField("path", c.Request.URL.Path).Warn("Rejected token")
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(UserIDKey, claims.Subject)
		c.Set(UserRoleKey, claims.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose role does not cover required
func (am *AuthManager) RequireRole(required Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetUserRole(c).covers(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": fmt.Sprintf("%s role required", required),
			})
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
	})
}

// GetUserID returns the user ID from the gin context
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetUserRole returns the caller's role, empty when unauthenticated
func GetUserRole(c *gin.Context) Role {
	if v, ok := c.Get(UserRoleKey); ok {
		if role, ok := v.(Role); ok {
			return role
		}
	}
	return ""
}
