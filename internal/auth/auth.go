// Package auth issues and validates the operator tokens that guard the HTTP
// API.
package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/bracketd/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid operator credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Permissions carried by operator tokens.
const (
	PermTrade = "trade"
	PermRead  = "read"
)

// Credentials is the operator key pair exchanged for a token.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	Operator    string   `json:"operator"`
	Permissions []string `json:"permissions"`
}

// Service issues and checks HS256 operator tokens.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	operators map[string]string // api key -> secret
	now       func() time.Time
}

func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		operators: make(map[string]string),
		now:       time.Now,
	}
}

// RegisterOperator allows key/secret to exchange for tokens. Empty keys are
// ignored so an unconfigured deployment has no password login.
func (s *Service) RegisterOperator(apiKey, apiSecret string) {
	if apiKey == "" || apiSecret == "" {
		return
	}
	s.operators[apiKey] = apiSecret
}

// GenerateToken issues a token for valid operator credentials.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	secret, ok := s.operators[creds.APIKey]
	if !ok || subtle.ConstantTimeCompare([]byte(secret), []byte(creds.APISecret)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(creds.APIKey, PermTrade, PermRead)
}

// IssueToken signs a token for operator without checking credentials. It
// backs the CLI token command.
func (s *Service) IssueToken(operator string, permissions ...string) (*TokenResponse, error) {
	now := s.now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Operator:    operator,
		Permissions: permissions,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}
	return &TokenResponse{Token: tokenString, Expiration: expiration}, nil
}

// ValidateToken verifies signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Can reports whether the claims grant perm.
func (c *Claims) Can(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler exchanges operator credentials for a token.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// Operator returns the operator set on the context by the auth middleware.
func Operator(c *gin.Context) string {
	return c.GetString(ContextOperator)
}

// ContextOperator is the gin context key holding the authenticated operator.
const ContextOperator = "operator"
