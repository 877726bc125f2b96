package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("token is required")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role claim")
	ErrMissingUser  = errors.New("token has no user id")
)

// Claims mirrors the payload issued by the application's login flow. The user id
// is read from "userId" and falls back to the registered "sub" claim.
type Claims struct {
	UserID    string `json:"userId,omitempty"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CompanyID string `json:"companyId,omitempty"`
	jwt.RegisteredClaims
}

type Principal struct {
	UserID    string
	Email     string
	Role      string
	CompanyID string
}

type Service struct {
	secret []byte
	ttl    time.Duration
	roles  map[string]struct{}
}

func NewService(secret string, ttlMinutes int, roles ...string) *Service {
	allowed := map[string]struct{}{}
	for _, role := range roles {
		allowed[strings.TrimSpace(role)] = struct{}{}
	}
	return &Service{secret: []byte(secret), ttl: time.Duration(ttlMinutes) * time.Minute, roles: allowed}
}

func (s *Service) GenerateToken(userID, email, role, companyID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		Email:     email,
		Role:      role,
		CompanyID: companyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Service) ParseToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParsePrincipal verifies the token and checks the claims the realtime layer relies on.
func (s *Service) ParsePrincipal(token string) (Principal, error) {
	claims, err := s.ParseToken(token)
	if err != nil {
		return Principal{}, err
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Principal{}, ErrMissingUser
	}
	role := strings.TrimSpace(claims.Role)
	if len(s.roles) > 0 {
		if _, ok := s.roles[role]; !ok {
			return Principal{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
		}
	}
	return Principal{
		UserID:    userID,
		Email:     strings.TrimSpace(claims.Email),
		Role:      role,
		CompanyID: strings.TrimSpace(claims.CompanyID),
	}, nil
}

func (s *Service) ParseAuthContext(token string) (string, string, string, error) {
	p, err := s.ParsePrincipal(token)
	if err != nil {
		return "", "", "", err
	}
	return p.UserID, p.CompanyID, p.Role, nil
}
