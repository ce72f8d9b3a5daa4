package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type countingDirectory struct {
	profiles map[string]Profile
	calls    atomic.Int32
}

func (c *countingDirectory) Lookup(_ context.Context, id string) (Profile, error) {
	c.calls.Add(1)
	p, ok := c.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (c *countingDirectory) LookupByPhone(_ context.Context, phone string) (Profile, error) {
	c.calls.Add(1)
	for _, p := range c.profiles {
		if p.Phone == phone {
			return p, nil
		}
	}
	return Profile{}, ErrNotFound
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestCachedDirectoryServesFromCache(t *testing.T) {
	upstream := &countingDirectory{profiles: map[string]Profile{
		"bob": {ID: "bob", DisplayName: "Bob", Phone: "+100", PublicKey: testKey(2)},
	}}
	dir := NewCachedDirectory(upstream, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := dir.Lookup(ctx, "bob")
		if err != nil || p.DisplayName != "Bob" {
			t.Fatalf("lookup: %+v %v", p, err)
		}
	}
	if _, err := dir.LookupByPhone(ctx, "+100"); err != nil {
		t.Fatalf("lookup by phone: %v", err)
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Fatalf("expected 1 upstream call, got %d", n)
	}

	if _, err := dir.Lookup(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCachedDirectoryExpiry(t *testing.T) {
	upstream := &countingDirectory{profiles: map[string]Profile{
		"bob": {ID: "bob", Phone: "+100", PublicKey: testKey(2)},
	}}
	dir := NewCachedDirectory(upstream, time.Minute)
	now := time.Now()
	dir.now = func() time.Time { return now }

	if _, err := dir.Lookup(context.Background(), "bob"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := dir.Get("bob"); ok {
		t.Fatal("entry should have expired")
	}
	dir.Cleanup()
	if dir.Count() != 0 {
		t.Fatalf("expected empty cache, got %d", dir.Count())
	}
}

func TestCachedDirectoryReturnsCopies(t *testing.T) {
	dir := NewCachedDirectory(&countingDirectory{}, 0)
	dir.Add(Profile{ID: "bob", PublicKey: testKey(2)})

	p, _ := dir.Get("bob")
	p.PublicKey[0] = 0xff
	again, _ := dir.Get("bob")
	if again.PublicKey[0] != 2 {
		t.Fatal("cached key was mutated through a returned profile")
	}
	dir.Remove("bob")
	if _, ok := dir.Get("bob"); ok {
		t.Fatal("expected removal")
	}
}

func TestHTTPDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/users/bob", r.URL.Path == "/users" && r.URL.Query().Get("phone") == "+100":
			_ = json.NewEncoder(w).Encode(Profile{ID: "bob", DisplayName: "Bob", Phone: "+100", PublicKey: testKey(2)})
		case r.URL.Path == "/users/broken":
			_ = json.NewEncoder(w).Encode(Profile{ID: "broken", PublicKey: []byte("short")})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL+"/", "tok", srv.Client())
	ctx := context.Background()

	p, err := dir.Lookup(ctx, "bob")
	if err != nil || p.DisplayName != "Bob" || len(p.PublicKey) != 32 {
		t.Fatalf("lookup: %+v %v", p, err)
	}
	if p, err := dir.LookupByPhone(ctx, "+100"); err != nil || p.ID != "bob" {
		t.Fatalf("lookup by phone: %+v %v", p, err)
	}
	if _, err := dir.Lookup(ctx, "carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := dir.Lookup(ctx, "broken"); err == nil {
		t.Fatal("expected incomplete profile error")
	}
	if _, err := NewHTTPDirectory(srv.URL, "", nil).Lookup(ctx, "bob"); err == nil {
		t.Fatal("expected unauthorized error")
	}
}
