package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultBindingCapacity = 10000
	defaultBindingTTL      = time.Hour
)

type boundCredential struct {
	externalID int64
	expiresAt  time.Time
}

// CredentialBinding maps bearer credentials to OW user ids so that a
// profile is not fetched on every request. At most one credential is live
// per external user: binding a new one evicts the previous.
type CredentialBinding struct {
	mu           sync.Mutex
	byCredential *lru.Cache[string, boundCredential]
	byExternal   map[int64]string
	ttl          time.Duration
	now          func() time.Time
}

// BindingOption configures CredentialBinding.
type BindingOption func(*CredentialBinding)

// WithBindingTTL caps how long a credential stays bound.
func WithBindingTTL(ttl time.Duration) BindingOption {
	return func(b *CredentialBinding) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithBindingClock overrides the time source.
func WithBindingClock(fn func() time.Time) BindingOption {
	return func(b *CredentialBinding) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewCredentialBinding creates an empty binding table holding at most
// capacity credentials; the least recently used entry is dropped first.
func NewCredentialBinding(capacity int, opts ...BindingOption) (*CredentialBinding, error) {
	if capacity <= 0 {
		capacity = defaultBindingCapacity
	}
	b := &CredentialBinding{
		byExternal: make(map[int64]string),
		ttl:        defaultBindingTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	// The eviction callback runs while b.mu is held by the caller of
	// Add/Remove, so it must not lock.
	cache, err := lru.NewWithEvict(capacity, func(credential string, v boundCredential) {
		if b.byExternal[v.externalID] == credential {
			delete(b.byExternal, v.externalID)
		}
	})
	if err != nil {
		return nil, err
	}
	b.byCredential = cache
	return b, nil
}

// Bind records credential as the only live credential for externalID.
func (b *CredentialBinding) Bind(credential string, externalID int64) {
	credential = strings.TrimSpace(credential)
	if credential == "" || externalID == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.byExternal[externalID]; ok && prev != credential {
		b.byCredential.Remove(prev)
	}
	if old, ok := b.byCredential.Peek(credential); ok && old.externalID != externalID {
		b.byCredential.Remove(credential)
	}
	b.byCredential.Add(credential, boundCredential{
		externalID: externalID,
		expiresAt:  b.expiry(credential),
	})
	b.byExternal[externalID] = credential
}

// Lookup returns the external user id bound to credential.
func (b *CredentialBinding) Lookup(credential string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.byCredential.Get(credential)
	if !ok {
		return 0, false
	}
	if !b.now().Before(v.expiresAt) {
		b.byCredential.Remove(credential)
		return 0, false
	}
	return v.externalID, true
}

// Unbind forgets credential.
func (b *CredentialBinding) Unbind(credential string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byCredential.Remove(credential)
}

// Len returns the number of live bindings.
func (b *CredentialBinding) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byCredential.Len()
}

// expiry bounds the binding by the token's own exp claim when the
// credential happens to be a JWT. The signature is not checked; OW is the
// authority and has already accepted the token.
func (b *CredentialBinding) expiry(credential string) time.Time {
	exp := b.now().Add(b.ttl)
	if strings.Count(credential, ".") != 2 {
		return exp
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, &claims); err != nil {
		return exp
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(exp) {
		return claims.ExpiresAt.Time
	}
	return exp
}
