package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sumire/agenthub/internal/domain"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

// AuthConfig holds token signing configuration.
type AuthConfig struct {
	JWTSecret string
	// Issuer is written to and required in every token when set.
	Issuer string
}

// AuthService issues and checks the bearer tokens that identify callers.
// The token subject is the caller id that owns jobs.
type AuthService struct {
	jwtSecret []byte
	issuer    string
	now       func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg AuthConfig) *AuthService {
	return &AuthService{
		jwtSecret: []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		now:       time.Now,
	}
}

// TokenPair holds an access token and refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IssueTokenPair mints a fresh pair for callerID.
func (s *AuthService) IssueTokenPair(callerID string) (*TokenPair, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: empty caller id", domain.ErrInvalidInput)
	}
	return s.generateTokenPair(callerID)
}

// ValidateToken validates a JWT access token and returns the caller ID.
func (s *AuthService) ValidateToken(tokenString string) (string, error) {
	return s.subject(tokenString, "access")
}

// RefreshAccessToken validates a refresh token and returns a new token pair.
func (s *AuthService) RefreshAccessToken(refreshToken string) (*TokenPair, error) {
	callerID, err := s.subject(refreshToken, "refresh")
	if err != nil {
		return nil, err
	}
	return s.generateTokenPair(callerID)
}

func (s *AuthService) subject(tokenString, wantType string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		return "", errors.Join(domain.ErrUnauthorized, fmt.Errorf("parse %s token: %w", wantType, err))
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", domain.ErrUnauthorized
	}

	tokenType, _ := claims["type"].(string)
	if tokenType != wantType {
		return "", domain.ErrUnauthorized
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", domain.ErrUnauthorized
	}
	return sub, nil
}

func (s *AuthService) generateTokenPair(callerID string) (*TokenPair, error) {
	now := s.now()

	accessStr, err := s.sign(callerID, "access", now, accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refreshStr, err := s.sign(callerID, "refresh", now, refreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
	}, nil
}

func (s *AuthService) sign(callerID, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  callerID,
		"type": tokenType,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}
