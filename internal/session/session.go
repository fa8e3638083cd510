// Package session holds the bearer credential issued by the remote API.
// The engine never refreshes the credential itself; when the remote side
// rejects it the owning UI is expected to re-authenticate.
package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store 保存当前登录凭证
type Store struct {
	mu    sync.RWMutex
	token string
}

func NewStore() *Store {
	return &Store{}
}

// SetToken 更新凭证（登录或刷新后由UI调用）
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Token 当前凭证，可能为空
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Expired reports whether the stored token carries an exp claim in the past.
// The token is decoded without signature verification; the remote API is the
// authority, this is only a cheap local pre-check before starting a transfer.
func (s *Store) Expired() bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return true
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// 不是JWT格式的凭证，交给远程API判断
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
