package auth

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestBindEvictsPreviousCredential(t *testing.T) {
	b, err := NewCredentialBinding(10)
	if err != nil {
		t.Fatalf("NewCredentialBinding: %v", err)
	}
	b.Bind("c1", 42)
	if id, ok := b.Lookup("c1"); !ok || id != 42 {
		t.Fatalf("expected c1 bound to 42, got %d %v", id, ok)
	}

	b.Bind("c2", 42)
	if _, ok := b.Lookup("c1"); ok {
		t.Fatal("expected c1 to be evicted once c2 is bound")
	}
	if id, ok := b.Lookup("c2"); !ok || id != 42 {
		t.Fatalf("expected c2 bound to 42, got %d %v", id, ok)
	}
	if b.Len() != 1 {
		t.Fatalf("expected one live binding, got %d", b.Len())
	}
}

func TestRebindCredentialToOtherUser(t *testing.T) {
	b, _ := NewCredentialBinding(10)
	b.Bind("c1", 1)
	b.Bind("c1", 2)
	if id, ok := b.Lookup("c1"); !ok || id != 2 {
		t.Fatalf("expected c1 bound to 2, got %d %v", id, ok)
	}
	b.Bind("c3", 1)
	if id, ok := b.Lookup("c1"); !ok || id != 2 {
		t.Fatalf("binding c3 to user 1 must not touch c1, got %d %v", id, ok)
	}
}

func TestBindingExpiresAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b, _ := NewCredentialBinding(10,
		WithBindingTTL(time.Minute),
		WithBindingClock(func() time.Time { return now }),
	)
	b.Bind("c1", 7)
	now = now.Add(30 * time.Second)
	if _, ok := b.Lookup("c1"); !ok {
		t.Fatal("expected binding to be live before ttl")
	}
	now = now.Add(time.Minute)
	if _, ok := b.Lookup("c1"); ok {
		t.Fatal("expected binding to expire after ttl")
	}
	if b.Len() != 0 {
		t.Fatalf("expected expired binding to be removed, got %d", b.Len())
	}
}

func TestBindingHonoursJWTExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	b, _ := NewCredentialBinding(10,
		WithBindingTTL(time.Hour),
		WithBindingClock(func() time.Time { return now }),
	)
	b.Bind(signed, 42)
	now = now.Add(4 * time.Minute)
	if _, ok := b.Lookup(signed); !ok {
		t.Fatal("expected token binding before exp")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := b.Lookup(signed); ok {
		t.Fatal("expected binding to end at the token's exp")
	}
}

func TestBindingCapacity(t *testing.T) {
	b, _ := NewCredentialBinding(2)
	b.Bind("c1", 1)
	b.Bind("c2", 2)
	b.Bind("c3", 3)
	if b.Len() != 2 {
		t.Fatalf("expected capacity to cap bindings, got %d", b.Len())
	}
	if _, ok := b.Lookup("c1"); ok {
		t.Fatal("expected least recently used binding to be dropped")
	}
	// The reverse entry for user 1 went with it, so a fresh bind works.
	b.Bind("c4", 1)
	if id, ok := b.Lookup("c4"); !ok || id != 1 {
		t.Fatalf("expected c4 bound to 1, got %d %v", id, ok)
	}
}

func TestBindIgnoresEmpty(t *testing.T) {
	b, _ := NewCredentialBinding(2)
	b.Bind("  ", 1)
	b.Bind("c1", 0)
	if b.Len() != 0 {
		t.Fatalf("expected nothing bound, got %d", b.Len())
	}
}

func TestConcurrentBindKeepsOneCredentialPerUser(t *testing.T) {
	b, err := NewCredentialBinding(1000)
	if err != nil {
		t.Fatalf("NewCredentialBinding: %v", err)
	}
	const logins = 200
	creds := make([]string, logins)
	for i := range creds {
		creds[i] = fmt.Sprintf("cred-%d", i)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, c := range creds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			b.Bind(c, 42)
			b.Lookup(c)
		}()
	}
	close(start)
	wg.Wait()

	if b.Len() != 1 {
		t.Fatalf("expected one live binding, got %d", b.Len())
	}
	live := 0
	for _, c := range creds {
		if id, ok := b.Lookup(c); ok {
			if id != 42 {
				t.Fatalf("%s bound to %d", c, id)
			}
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one credential to resolve, got %d", live)
	}
}
