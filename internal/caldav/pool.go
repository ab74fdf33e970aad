package caldav

import (
	"context"
	"sync"

	"github.com/vonshlovens/vaultcal/internal/config"
)

// Dialer opens a session for one calendar of an account
type Dialer func(ctx context.Context, acct config.AccountConfig, calendar string) (Session, error)

type poolKey struct {
	account  string
	calendar string
}

// Pool caches one session per (account, calendar)
type Pool struct {
	dial Dialer

	mu       sync.Mutex
	sessions map[poolKey]Session
}

// NewPool creates a pool. A nil dialer uses Dial.
func NewPool(dial Dialer) *Pool {
	if dial == nil {
		dial = Dial
	}
	return &Pool{dial: dial, sessions: make(map[poolKey]Session)}
}

// Get returns the cached session or dials a new one
func (p *Pool) Get(ctx context.Context, acct config.AccountConfig, calendar string) (Session, error) {
	key := poolKey{account: acct.ID, calendar: calendar}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[key]; ok {
		return s, nil
	}
	s, err := p.dial(ctx, acct, calendar)
	if err != nil {
		return nil, err
	}
	p.sessions[key] = s
	return s, nil
}

// Invalidate drops a cached session, e.g. after an auth failure
func (p *Pool) Invalidate(accountID, calendar string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, poolKey{account: accountID, calendar: calendar})
}

// Close drops every session
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[poolKey]Session)
}
