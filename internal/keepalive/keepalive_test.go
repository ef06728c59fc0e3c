package keepalive

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kevinpatel18/location-tracker/internal/db"
)

func newKVCoordinator(t *testing.T) (*miniredis.Miniredis, *KVCoordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewKVCoordinator(db.NewRedisKV(client), "tracking", time.Minute)
}

func leaseKeys(mr *miniredis.Miniredis) []string {
	var keys []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "tracking:keepalive:") {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestAcquireAndReleaseKeepAlive(t *testing.T) {
	mr, coord := newKVCoordinator(t)
	ctx := context.Background()

	lease, err := coord.AcquireKeepAlive(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease == nil {
		t.Fatalf("expected lease")
	}
	if got := leaseKeys(mr); len(got) != 1 {
		t.Fatalf("expected one lease key, got %v", got)
	}

	coord.ReleaseKeepAlive(lease)
	if got := leaseKeys(mr); len(got) != 0 {
		t.Fatalf("expected lease key removed, got %v", got)
	}

	coord.ReleaseKeepAlive(lease) // idempotent
	coord.ReleaseKeepAlive(nil)   // nil-safe
}

func TestAcquireKeepAliveFailure(t *testing.T) {
	mr, coord := newKVCoordinator(t)
	mr.Close()

	lease, err := coord.AcquireKeepAlive(context.Background())
	if err == nil {
		t.Fatalf("expected acquire error when store unreachable")
	}
	if lease != nil {
		t.Fatalf("expected no lease on failure")
	}
}

// countingKV counts lease writes so the refresher is observable.
type countingKV struct {
	db.KV
	setTTLCalls atomic.Int64
}

func (c *countingKV) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.setTTLCalls.Add(1)
	return c.KV.SetTTL(ctx, key, value, ttl)
}

func TestLeaseRefresh(t *testing.T) {
	kv := &countingKV{KV: db.NewMemoryKV()}
	coord := NewKVCoordinator(kv, "tracking", 90*time.Millisecond)

	lease, err := coord.AcquireKeepAlive(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer coord.ReleaseKeepAlive(lease)

	time.Sleep(150 * time.Millisecond)
	if calls := kv.setTTLCalls.Load(); calls < 2 {
		t.Fatalf("expected lease to be refreshed, setttl calls = %d", calls)
	}

	coord.ReleaseKeepAlive(lease)
	time.Sleep(20 * time.Millisecond) // let an in-flight refresh finish
	settled := kv.setTTLCalls.Load()
	time.Sleep(100 * time.Millisecond)
	if calls := kv.setTTLCalls.Load(); calls != settled {
		t.Fatalf("expected refresher stopped after release, calls %d -> %d", settled, calls)
	}
}

func TestQueryPermission(t *testing.T) {
	mr, coord := newKVCoordinator(t)

	perm, err := coord.QueryPermission(context.Background(), "background-sampling")
	if err != nil || perm != PermissionGranted {
		t.Fatalf("expected granted, got %v err=%v", perm, err)
	}

	mr.Close()
	perm, err = coord.QueryPermission(context.Background(), "background-sampling")
	if err != nil || perm != PermissionDenied {
		t.Fatalf("expected denied when unreachable, got %v err=%v", perm, err)
	}
}

func TestRegisterDeferredSync(t *testing.T) {
	mr, coord := newKVCoordinator(t)
	ctx := context.Background()

	if err := coord.RegisterDeferredSync(ctx, "path-flush"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !mr.Exists("tracking:sync:path-flush") {
		t.Fatalf("expected sync marker key")
	}

	mr.Close()
	if err := coord.RegisterDeferredSync(ctx, "path-flush"); err == nil {
		t.Fatalf("expected error when store unreachable")
	}
}

func TestAbsentCoordinator(t *testing.T) {
	coord := AbsentCoordinator{}
	ctx := context.Background()

	if _, err := coord.QueryPermission(ctx, "x"); !errors.Is(err, ErrCapabilityAbsent) {
		t.Fatalf("expected capability absent, got %v", err)
	}
	lease, err := coord.AcquireKeepAlive(ctx)
	if !errors.Is(err, ErrCapabilityAbsent) || lease != nil {
		t.Fatalf("expected capability absent, lease=%v err=%v", lease, err)
	}
	if err := coord.RegisterDeferredSync(ctx, "x"); !errors.Is(err, ErrCapabilityAbsent) {
		t.Fatalf("expected capability absent, got %v", err)
	}
	coord.ReleaseKeepAlive(nil)
}
