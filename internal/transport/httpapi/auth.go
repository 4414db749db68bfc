package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminRole   = "admin"
	tokenIssuer = "explorermaps"
)

type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminAuth admits loopback callers, and bearer tokens signed with the
// shared HS256 secret when one is configured.
type AdminAuth struct {
	secret []byte
	now    func() time.Time
}

func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
}

func (a *AdminAuth) Token(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("admin: no jwt secret configured")
	}
	now := a.now()
	claims := &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: adminRole,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AdminAuth) Verify(token string) (*AdminClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("admin: no jwt secret configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &AdminClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("admin: parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("admin: invalid token")
	}
	if claims.Role != adminRole {
		return nil, fmt.Errorf("admin: role %q not allowed", claims.Role)
	}
	return claims, nil
}

func (a *AdminAuth) Authorize(r *http.Request) bool {
	if isLoopbackRemote(r.RemoteAddr) {
		return true
	}
	if a == nil || len(a.secret) == 0 {
		return false
	}
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return false
	}
	_, err := a.Verify(strings.TrimSpace(token))
	return err == nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
