package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid stream token")

const issuer = "talentbud"

// StreamClaims 把一次会话流连接绑定到某个面试。
type StreamClaims struct {
	InterviewID   string `json:"iid"`
	CandidateName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager 签发并校验 HS256 会话流令牌。
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint 为面试签发令牌，返回令牌与过期时间。
func (m *TokenManager) Mint(interviewID, candidateName string) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	claims := StreamClaims{
		InterviewID:   interviewID,
		CandidateName: candidateName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   interviewID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign stream token: %w", err)
	}
	return signed, exp, nil
}

// Verify 校验令牌签名、有效期以及绑定的面试 ID。
func (m *TokenManager) Verify(tok, interviewID string) (*StreamClaims, error) {
	claims := &StreamClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.InterviewID != interviewID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
