package web

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"triggerhappy/internal/common/errors"
)

// StateSigner issues and checks the signed state tokens that tie an
// authorization callback to the begin request that started it.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

type stateClaims struct {
	User    string `json:"user"`
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// Issue signs a state token binding user and service
func (s *StateSigner) Issue(user, service string) (string, error) {
	now := s.now()
	claims := stateClaims{
		User:    user,
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.InternalError("signing state token", err)
	}
	return token, nil
}

// Verify checks the token signature and expiry and returns the bound user
// and service
func (s *StateSigner) Verify(token string) (user, service string, err error) {
	claims := &stateClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.AuthError("unexpected state token signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !parsed.Valid {
		return "", "", errors.AuthError("invalid state token")
	}
	if claims.User == "" || claims.Service == "" {
		return "", "", errors.AuthError("state token is missing its bindings")
	}
	return claims.User, claims.Service, nil
}
