package auth

import (
	"context"
	"sync"
)

// LoginTestChecker is an in-memory Checker, for tests and local development.
type LoginTestChecker struct {
	mu       sync.Mutex
	sessions map[string]*LoginSession
}

func NewLoginTestChecker() *LoginTestChecker {
	return &LoginTestChecker{
		sessions: map[string]*LoginSession{},
	}
}

func (c *LoginTestChecker) Add(session LoginSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.Token] = &session
}

func (c *LoginTestChecker) Session(_ context.Context, token string) (*LoginSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sessionCopy := *s
	return &sessionCopy, nil
}
