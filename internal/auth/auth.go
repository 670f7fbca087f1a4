// Package auth supplies credentials to the remote store.
//
// A TokenProvider hands out the bearer token attached to every request and
// reports user changes. The client treats a missing provider as
// unauthenticated; app-check attestation tokens use the same interface.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/status"
)

// User identifies the account local data belongs to. Mutation queues and
// overlays are kept per user.
type User struct {
	UID string
}

// Unauthenticated is the user of requests without credentials.
var Unauthenticated = User{}

// IsAuthenticated reports whether u has a uid.
func (u User) IsAuthenticated() bool { return u.UID != "" }

// Key is the storage key of the user's mutation queue.
func (u User) Key() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}

func (u User) String() string { return u.Key() }

// Token is a credential with its owner and expiry.
type Token struct {
	Value  string
	Expiry time.Time
	User   User
}

// Expired reports whether the token has an expiry that passed.
func (t *Token) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

// TokenProvider supplies tokens to the remote store.
type TokenProvider interface {
	// GetToken returns the current token, or nil when there is none.
	GetToken(ctx context.Context) (*Token, error)

	// InvalidateToken forces the next GetToken to fetch a fresh token.
	InvalidateToken()

	// Start registers onChange, which runs on queue whenever the current
	// user changes. It is invoked once with the initial user.
	Start(queue *asyncqueue.Queue, onChange func(User))

	// Shutdown stops change notifications.
	Shutdown()
}

// EmptyCredentialsProvider never returns a token.
type EmptyCredentialsProvider struct{}

func (EmptyCredentialsProvider) GetToken(context.Context) (*Token, error) { return nil, nil }
func (EmptyCredentialsProvider) InvalidateToken()                         {}
func (EmptyCredentialsProvider) Shutdown()                                {}

func (EmptyCredentialsProvider) Start(queue *asyncqueue.Queue, onChange func(User)) {
	queue.Enqueue(func() { onChange(Unauthenticated) })
}

// StaticCredentialsProvider serves a fixed JWT. The token is parsed without
// verification to learn its subject and expiry; the server verifies it.
type StaticCredentialsProvider struct {
	token Token
}

// NewStaticCredentialsProvider parses raw and returns a provider for it. The
// user comes from the user_id claim, falling back to sub.
func NewStaticCredentialsProvider(raw string) (*StaticCredentialsProvider, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials token: %w", err)
	}
	claims := token.Claims.(gojwt.MapClaims)

	user := User{}
	if uid, ok := claims["user_id"].(string); ok {
		user.UID = uid
	} else if sub, err := claims.GetSubject(); err == nil {
		user.UID = sub
	}
	if !user.IsAuthenticated() {
		return nil, status.New(status.InvalidArgument, "credentials token has neither user_id nor sub")
	}

	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}
	return &StaticCredentialsProvider{token: Token{Value: raw, Expiry: expiry, User: user}}, nil
}

// GetToken returns the token, or Unauthenticated once it expired.
func (p *StaticCredentialsProvider) GetToken(context.Context) (*Token, error) {
	if p.token.Expired(time.Now()) {
		return nil, status.Errorf(status.Unauthenticated, "credentials for %s expired at %s",
			p.token.User, p.token.Expiry.Format(time.RFC3339))
	}
	t := p.token
	return &t, nil
}

func (p *StaticCredentialsProvider) InvalidateToken() {}
func (p *StaticCredentialsProvider) Shutdown()        {}

func (p *StaticCredentialsProvider) Start(queue *asyncqueue.Queue, onChange func(User)) {
	user := p.token.User
	queue.Enqueue(func() { onChange(user) })
}

// TokenSource fetches a token, bypassing any cache when forceRefresh is set.
type TokenSource func(ctx context.Context, forceRefresh bool) (*Token, error)

// RefreshingCredentialsProvider caches tokens from a TokenSource until they
// expire or are invalidated, and reports user changes it observes.
type RefreshingCredentialsProvider struct {
	source TokenSource

	mu           sync.Mutex
	cached       *Token
	forceRefresh bool
	user         User
	queue        *asyncqueue.Queue
	onChange     func(User)
	now          func() time.Time
}

// NewRefreshingCredentialsProvider wraps source. initial is the user the
// provider reports until a token says otherwise.
func NewRefreshingCredentialsProvider(source TokenSource, initial User) *RefreshingCredentialsProvider {
	return &RefreshingCredentialsProvider{source: source, user: initial, now: time.Now}
}

func (p *RefreshingCredentialsProvider) Start(queue *asyncqueue.Queue, onChange func(User)) {
	p.mu.Lock()
	p.queue = queue
	p.onChange = onChange
	user := p.user
	p.mu.Unlock()
	queue.Enqueue(func() { onChange(user) })
}

func (p *RefreshingCredentialsProvider) GetToken(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	if p.cached != nil && !p.forceRefresh && !p.cached.Expired(p.now()) {
		t := *p.cached
		p.mu.Unlock()
		return &t, nil
	}
	force := p.forceRefresh
	p.mu.Unlock()

	token, err := p.source(ctx, force)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceRefresh = false
	p.cached = token
	if token != nil && token.User != p.user {
		p.setUserLocked(token.User)
	}
	if token == nil {
		return nil, nil
	}
	t := *token
	return &t, nil
}

// SetUser reports a sign-in or sign-out that happened outside token fetches.
func (p *RefreshingCredentialsProvider) SetUser(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u == p.user {
		return
	}
	p.cached = nil
	p.setUserLocked(u)
}

func (p *RefreshingCredentialsProvider) setUserLocked(u User) {
	p.user = u
	if p.queue != nil && p.onChange != nil {
		onChange := p.onChange
		p.queue.Enqueue(func() { onChange(u) })
	}
}

func (p *RefreshingCredentialsProvider) InvalidateToken() {
	p.mu.Lock()
	p.forceRefresh = true
	p.mu.Unlock()
}

func (p *RefreshingCredentialsProvider) Shutdown() {
	p.mu.Lock()
	p.onChange = nil
	p.mu.Unlock()
}

// StaticAppCheckProvider serves a fixed app-check token.
type StaticAppCheckProvider struct {
	Value string
}

func (p StaticAppCheckProvider) GetToken(context.Context) (*Token, error) {
	if p.Value == "" {
		return nil, nil
	}
	return &Token{Value: p.Value}, nil
}

func (StaticAppCheckProvider) InvalidateToken()                    {}
func (StaticAppCheckProvider) Shutdown()                           {}
func (StaticAppCheckProvider) Start(*asyncqueue.Queue, func(User)) {}
