package position

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeReplayFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixes.jsonl")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write replay file: %v", err)
	}
	return path
}

func TestReplayCurrent(t *testing.T) {
	path := writeReplayFile(t, `{"lat":1.5,"lng":2.5,"timestamp":1700000000000}`+"\n")
	src := NewReplaySource(path, 10*time.Millisecond)

	fix, err := src.Current(context.Background(), Options{})
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if fix.Lat != 1.5 || fix.Lng != 2.5 || fix.Timestamp != 1700000000000 {
		t.Fatalf("unexpected fix: %+v", fix)
	}
}

func TestReplayCurrentEmpty(t *testing.T) {
	path := writeReplayFile(t, "")
	src := NewReplaySource(path, 10*time.Millisecond)

	_, err := src.Current(context.Background(), Options{})
	if !errors.Is(err, ErrPositionUnavailable) {
		t.Fatalf("expected ErrPositionUnavailable, got %v", err)
	}
}

func TestReplayAvailableMissing(t *testing.T) {
	src := NewReplaySource(filepath.Join(t.TempDir(), "absent.jsonl"), 0)
	if err := src.Available(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestReplaySubscribe(t *testing.T) {
	contents := `{"lat":1,"lng":2}` + "\n" +
		"garbage\n" +
		`{"lat":3,"lng":4}` + "\n"
	path := writeReplayFile(t, contents)
	src := NewReplaySource(path, 5*time.Millisecond)

	fixes := make(chan Fix, 8)
	sub, err := src.Subscribe(Options{}, func(f Fix) { fixes <- f }, func(error) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	first := recvFix(t, fixes)
	if first.Lat != 1 || first.Timestamp == 0 {
		t.Fatalf("unexpected first fix: %+v", first)
	}
	if second := recvFix(t, fixes); second.Lat != 3 {
		t.Fatalf("unexpected second fix: %+v", second)
	}

	// End of file ends the watch quietly.
	select {
	case f := <-fixes:
		t.Fatalf("unexpected fix after eof: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	sub.Stop()
	sub.Stop()
}

func TestReplaySubscribeMissingFile(t *testing.T) {
	src := NewReplaySource(filepath.Join(t.TempDir(), "absent.jsonl"), 0)
	_, err := src.Subscribe(Options{}, func(Fix) {}, func(error) {})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
