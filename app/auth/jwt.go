package auth

import (
	"errors"
	"time"

	"video-digest/app/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken 令牌无效
var ErrInvalidToken = errors.New("invalid token")

// Claims JWT 声明，Subject 为用户名
type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

// TokenService 签发和校验 API 令牌
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService 创建令牌服务
func NewTokenService(cfg config.JWTConfig) *TokenService {
	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    time.Duration(cfg.ExpireTime) * time.Hour,
		now:    time.Now,
	}
}

// Issue 签发令牌，返回令牌和过期时间
func (s *TokenService) Issue(userID uint, username string) (string, time.Time, error) {
	now := s.now()
	expireAt := now.Add(s.ttl)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expireAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expireAt, nil
}

// Validate 校验令牌
func (s *TokenService) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
