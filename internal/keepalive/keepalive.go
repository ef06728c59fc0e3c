// Package keepalive coordinates the best-effort mechanisms that keep
// sampling alive while the process is backgrounded: a refreshed liveness
// lease, a deferred-sync marker and a permission probe. Every operation
// degrades instead of failing the session.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kevinpatel18/location-tracker/internal/db"
)

// ErrCapabilityAbsent marks a platform without the background mechanism.
// Callers log it and degrade.
var ErrCapabilityAbsent = errors.New("background capability absent")

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
)

// Lease is a held keep-alive. Release it through the coordinator; release
// is idempotent and nil-safe.
type Lease struct {
	key  string
	done chan struct{}
	once sync.Once
}

// Coordinator is the background-execution boundary.
type Coordinator interface {
	QueryPermission(ctx context.Context, name string) (Permission, error)
	AcquireKeepAlive(ctx context.Context) (*Lease, error)
	ReleaseKeepAlive(lease *Lease)
	RegisterDeferredSync(ctx context.Context, task string) error
}

// KVCoordinator implements the boundary over the shared key-value store.
// The keep-alive is a TTL'd lease key refreshed by a background goroutine
// until released; an orphaned lease simply expires.
type KVCoordinator struct {
	kv     db.KV
	prefix string
	ttl    time.Duration
}

func NewKVCoordinator(kv db.KV, prefix string, ttl time.Duration) *KVCoordinator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &KVCoordinator{kv: kv, prefix: prefix, ttl: ttl}
}

func (c *KVCoordinator) QueryPermission(ctx context.Context, name string) (Permission, error) {
	key := c.prefix + ":probe:" + name
	if err := c.kv.SetTTL(ctx, key, stamp(), c.ttl); err != nil {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

func (c *KVCoordinator) AcquireKeepAlive(ctx context.Context) (*Lease, error) {
	key := c.prefix + ":keepalive:" + uuid.NewString()
	if err := c.kv.SetTTL(ctx, key, stamp(), c.ttl); err != nil {
		return nil, fmt.Errorf("keep-alive acquire: %w", err)
	}

	lease := &Lease{key: key, done: make(chan struct{})}
	go c.refresh(lease)
	return lease, nil
}

func (c *KVCoordinator) refresh(lease *Lease) {
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-lease.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.kv.SetTTL(ctx, lease.key, stamp(), c.ttl); err != nil {
				log.Printf("keepalive: lease refresh failed: %v", err)
			}
			cancel()
		}
	}
}

func (c *KVCoordinator) ReleaseKeepAlive(lease *Lease) {
	if lease == nil {
		return
	}
	lease.once.Do(func() {
		close(lease.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.kv.Delete(ctx, lease.key); err != nil {
			log.Printf("keepalive: lease release failed: %v", err)
		}
	})
}

func (c *KVCoordinator) RegisterDeferredSync(ctx context.Context, task string) error {
	key := c.prefix + ":sync:" + task
	if err := c.kv.Set(ctx, key, stamp()); err != nil {
		return fmt.Errorf("deferred sync register: %w", err)
	}
	return nil
}

func stamp() []byte {
	return []byte(time.Now().UTC().Format(time.RFC3339))
}

// AbsentCoordinator is the degraded implementation for deployments without
// a shared store. Everything reports ErrCapabilityAbsent.
type AbsentCoordinator struct{}

func (AbsentCoordinator) QueryPermission(context.Context, string) (Permission, error) {
	return "", ErrCapabilityAbsent
}

func (AbsentCoordinator) AcquireKeepAlive(context.Context) (*Lease, error) {
	return nil, ErrCapabilityAbsent
}

func (AbsentCoordinator) ReleaseKeepAlive(*Lease) {}

func (AbsentCoordinator) RegisterDeferredSync(context.Context, string) error {
	return ErrCapabilityAbsent
}
