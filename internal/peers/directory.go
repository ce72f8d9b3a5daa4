package peers

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("profile not found")

// Profile is the public part of a user as published by the directory service.
type Profile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Phone       string    `json:"phone,omitempty"`
	PublicKey   []byte    `json:"publicKey"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Directory resolves user profiles.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
	LookupByPhone(ctx context.Context, phone string) (Profile, error)
}

// CachedDirectory keeps recently resolved profiles in memory in front of another
// Directory.
type CachedDirectory struct {
	upstream Directory
	ttl      time.Duration
	now      func() time.Time
	byID     map[string]*Profile
	byPhone  map[string]string
	mu       sync.RWMutex
}

// NewCachedDirectory creates a cache whose entries expire after ttl.
func NewCachedDirectory(upstream Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
		byID:     make(map[string]*Profile),
		byPhone:  make(map[string]string),
	}
}

// Lookup returns a cached profile or fetches it from upstream.
func (d *CachedDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	if p, ok := d.Get(userID); ok {
		return p, nil
	}
	p, err := d.upstream.Lookup(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	d.Add(p)
	return p, nil
}

// LookupByPhone resolves through the phone index before asking upstream.
func (d *CachedDirectory) LookupByPhone(ctx context.Context, phone string) (Profile, error) {
	d.mu.RLock()
	id, ok := d.byPhone[phone]
	d.mu.RUnlock()
	if ok {
		if p, ok := d.Get(id); ok {
			return p, nil
		}
	}
	p, err := d.upstream.LookupByPhone(ctx, phone)
	if err != nil {
		return Profile{}, err
	}
	d.Add(p)
	return p, nil
}

// Add adds or updates a profile
func (d *CachedDirectory) Add(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p.LastSeen = d.now()
	p.PublicKey = append([]byte(nil), p.PublicKey...)
	if old, ok := d.byID[p.ID]; ok && old.Phone != "" && old.Phone != p.Phone {
		delete(d.byPhone, old.Phone)
	}
	d.byID[p.ID] = &p
	if p.Phone != "" {
		d.byPhone[p.Phone] = p.ID
	}
}

// Get returns a fresh cached profile without touching upstream.
func (d *CachedDirectory) Get(userID string) (Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.byID[userID]
	if !ok || d.expired(p) {
		return Profile{}, false
	}
	out := *p
	out.PublicKey = append([]byte(nil), p.PublicKey...)
	return out, true
}

// Remove removes a profile by ID
func (d *CachedDirectory) Remove(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.byID[userID]; ok {
		delete(d.byPhone, p.Phone)
		delete(d.byID, userID)
	}
}

// Cleanup drops expired entries.
func (d *CachedDirectory) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, p := range d.byID {
		if d.expired(p) {
			delete(d.byPhone, p.Phone)
			delete(d.byID, id)
		}
	}
}

// Count returns the number of cached profiles
func (d *CachedDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.byID)
}

func (d *CachedDirectory) expired(p *Profile) bool {
	return d.ttl > 0 && d.now().Sub(p.LastSeen) > d.ttl
}
