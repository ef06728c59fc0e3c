package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = time.Hour

// Service trades the operator API key for short-lived bearer tokens. The
// daemon has no user accounts; one bcrypt hash in the config guards the
// mutating endpoints.
type Service struct {
	secret  []byte
	keyHash []byte
}

type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

type TokenRequest struct {
	APIKey   string `json:"api_key"`
	Operator string `json:"operator"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewService(secret, apiKeyHash string) *Service {
	return &Service{
		secret:  []byte(secret),
		keyHash: []byte(apiKeyHash),
	}
}

func (s *Service) IssueToken(req TokenRequest) (TokenResponse, error) {
	if len(s.keyHash) == 0 {
		return TokenResponse{}, ErrNotConfigured
	}
	if err := bcrypt.CompareHashAndPassword(s.keyHash, []byte(req.APIKey)); err != nil {
		return TokenResponse{}, ErrInvalidKey
	}

	operator := req.Operator
	if operator == "" {
		operator = "operator"
	}
	token, err := s.signToken(operator, tokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.Operator, nil
}

func (s *Service) signToken(operator string, ttl time.Duration) (string, error) {
	claims := Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

var (
	ErrNotConfigured = errors.New("api key auth not configured")
	ErrInvalidKey    = errors.New("invalid api key")
)
