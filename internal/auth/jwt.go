package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator marks platform operators, who see every tenant's notifications.
const RoleOperator = "platform_operator"

// Claims is the verified content of a session token. TenantID is absent for
// operators that are not attached to a tenant.
type Claims struct {
	UserID   string `json:"sub"`
	TenantID *int64 `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsOperator reports whether the token carries the platform operator role.
func (c *Claims) IsOperator() bool {
	return c.Role == RoleOperator
}

// Tenant returns the tenant id as a string and whether one is present.
func (c *Claims) Tenant() (string, bool) {
	if c.TenantID == nil {
		return "", false
	}
	return strconv.FormatInt(*c.TenantID, 10), true
}

// JWTService verifies HS256 tokens issued by the account service. Issuing is
// kept for tooling and tests.
type JWTService struct {
	secretKey      []byte
	accessDuration time.Duration
}

func NewJWTService(secretKey string) *JWTService {
	return &JWTService{
		secretKey:      []byte(secretKey),
		accessDuration: 12 * time.Hour,
	}
}

func (j *JWTService) GenerateToken(userID string, tenantID *int64, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessDuration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
