package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"flagsync/internal/dto/req"
	"flagsync/internal/dto/resp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	RedisKeyPrefix = "flagsync:auth:session:"
	Issuer         = "flagsync-admin"
	adminUserID    = "admin"
	adminRole      = "admin"

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrSessionExpired     = errors.New("session expired")
)

// AuthCredentials is the single operator account allowed on the admin API.
type AuthCredentials struct {
	Username   string
	Password   string
	SigningKey []byte
}

// AuthService issues operator tokens for the ledger and identity admin API.
// Refresh tokens are allow-listed in redis, one session per operator.
type AuthService struct {
	redis           *redis.Client
	creds           AuthCredentials
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

func NewAuthService(rdb *redis.Client, creds AuthCredentials, accessTokenTTL, refreshTokenTTL time.Duration) *AuthService {
	return &AuthService{
		redis:           rdb,
		creds:           creds,
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
	}
}

func (s *AuthService) Login(ctx context.Context, in req.LoginReq) (*resp.TokenResp, error) {
	if s.creds.Password == "" ||
		subtle.ConstantTimeCompare([]byte(in.Username), []byte(s.creds.Username)) != 1 ||
		subtle.ConstantTimeCompare([]byte(in.Password), []byte(s.creds.Password)) != 1 {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.generateTokens(ctx, adminUserID, in.Username, adminRole)
	if err != nil {
		return nil, err
	}
	tokens.User = resp.UserInfo{
		ID:       adminUserID,
		Username: in.Username,
		Role:     adminRole,
	}
	return tokens, nil
}

// ParseAccessToken verifies signature, expiry and issuer, and only accepts
// access tokens.
func (s *AuthService) ParseAccessToken(tokenString string) (*UserClaims, error) {
	return s.parse(tokenString, tokenTypeAccess)
}

func (s *AuthService) parse(tokenString, tokenType string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, s.keyFunc,
		jwt.WithIssuer(Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid || claims.Type != tokenType {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Refresh rotates the token pair. The presented refresh token must be the
// one currently stored for the user.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	storedToken, err := s.redis.Get(ctx, sessionKey(claims.UserID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if storedToken != refreshToken {
		return nil, ErrTokenInvalid
	}

	return s.generateTokens(ctx, claims.UserID, claims.Username, claims.Role)
}

func (s *AuthService) Logout(ctx context.Context, userID string) error {
	return s.redis.Del(ctx, sessionKey(userID)).Err()
}

func (s *AuthService) keyFunc(*jwt.Token) (any, error) {
	return s.creds.SigningKey, nil
}

func (s *AuthService) sign(userID, username, role, tokenType string, ttl time.Duration, jti string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.creds.SigningKey)
}

func (s *AuthService) generateTokens(ctx context.Context, userID, username, role string) (*resp.TokenResp, error) {
	accessToken, err := s.sign(userID, username, role, tokenTypeAccess, s.accessTokenTTL, "")
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.sign(userID, username, role, tokenTypeRefresh, s.refreshTokenTTL, uuid.NewString())
	if err != nil {
		return nil, err
	}

	if err := s.redis.Set(ctx, sessionKey(userID), refreshToken, s.refreshTokenTTL).Err(); err != nil {
		return nil, err
	}

	return &resp.TokenResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
	}, nil
}

func sessionKey(userID string) string {
	return fmt.Sprintf("%s%s", RedisKeyPrefix, userID)
}
