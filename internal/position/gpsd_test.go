package position

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

const (
	versionLine = `{"class":"VERSION","release":"3.25"}`
	tpvFixed    = `{"class":"TPV","mode":3,"time":"2024-03-01T10:00:00.000Z","lat":22.3072,"lon":73.1812,"epx":4.5,"epy":3.2}`
	tpvNoFix    = `{"class":"TPV","mode":1}`
)

// fakeGpsd accepts one connection, consumes the watch command, writes the
// given lines and then either closes or holds the connection open until the
// client hangs up.
func fakeGpsd(t *testing.T, lines []string, closeAfter bool) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(conn)
		if _, err := br.ReadString('\n'); err != nil {
			_ = conn.Close()
			return
		}
		for _, l := range lines {
			if _, err := conn.Write([]byte(l + "\n")); err != nil {
				_ = conn.Close()
				return
			}
		}
		if !closeAfter {
			_, _ = br.ReadString('\n')
		}
		_ = conn.Close()
	}()

	return ln.Addr().String()
}

func recvFix(t *testing.T, ch chan Fix) Fix {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fix")
		return Fix{}
	}
}

func recvErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error")
		return nil
	}
}

func TestGpsdAvailable(t *testing.T) {
	addr := fakeGpsd(t, nil, true)
	src := NewGpsdSource(addr)
	if err := src.Available(context.Background()); err != nil {
		t.Fatalf("expected available, got %v", err)
	}
}

func TestGpsdAvailableDown(t *testing.T) {
	src := NewGpsdSource("127.0.0.1:1")
	if err := src.Available(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGpsdCurrent(t *testing.T) {
	addr := fakeGpsd(t, []string{versionLine, tpvNoFix, tpvFixed}, false)
	src := NewGpsdSource(addr)

	fix, err := src.Current(context.Background(), Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if fix.Lat != 22.3072 || fix.Lng != 73.1812 {
		t.Fatalf("unexpected coordinates: %+v", fix)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if fix.Timestamp != want {
		t.Fatalf("timestamp = %d, want %d", fix.Timestamp, want)
	}
	if fix.Accuracy == nil || *fix.Accuracy != 4.5 {
		t.Fatalf("expected max(epx,epy) accuracy, got %v", fix.Accuracy)
	}
}

func TestGpsdCurrentTimeout(t *testing.T) {
	addr := fakeGpsd(t, []string{versionLine}, false)
	src := NewGpsdSource(addr)

	_, err := src.Current(context.Background(), Options{Timeout: 150 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestGpsdCurrentMaxAgeRejectsStale(t *testing.T) {
	addr := fakeGpsd(t, []string{tpvFixed}, false)
	src := NewGpsdSource(addr)

	_, err := src.Current(context.Background(), Options{Timeout: 150 * time.Millisecond, MaxAge: time.Hour})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected stale report rejected, got %v", err)
	}
}

func TestGpsdCurrentConnClosed(t *testing.T) {
	addr := fakeGpsd(t, []string{versionLine}, true)
	src := NewGpsdSource(addr)

	_, err := src.Current(context.Background(), Options{Timeout: 2 * time.Second})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGpsdSubscribe(t *testing.T) {
	tpvSecond := `{"class":"TPV","mode":3,"time":"2024-03-01T10:00:01.000Z","lat":22.3073,"lon":73.1813}`
	addr := fakeGpsd(t, []string{versionLine, tpvFixed, tpvNoFix, tpvSecond}, false)
	src := NewGpsdSource(addr)

	fixes := make(chan Fix, 8)
	errs := make(chan error, 8)
	sub, err := src.Subscribe(Options{Timeout: 2 * time.Second},
		func(f Fix) { fixes <- f },
		func(e error) { errs <- e })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	if first := recvFix(t, fixes); first.Lat != 22.3072 {
		t.Fatalf("unexpected first fix: %+v", first)
	}
	if err := recvErr(t, errs); !errors.Is(err, ErrPositionUnavailable) {
		t.Fatalf("expected transient no-fix error, got %v", err)
	}
	if second := recvFix(t, fixes); second.Lat != 22.3073 {
		t.Fatalf("unexpected second fix: %+v", second)
	}

	sub.Stop()
	sub.Stop() // idempotent
}

func TestGpsdSubscribeQuietTimeout(t *testing.T) {
	addr := fakeGpsd(t, []string{versionLine}, false)
	src := NewGpsdSource(addr)

	errs := make(chan error, 8)
	sub, err := src.Subscribe(Options{Timeout: 100 * time.Millisecond},
		func(Fix) {}, func(e error) { errs <- e })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	if err := recvErr(t, errs); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout on quiet watch, got %v", err)
	}
}

func TestGpsdSubscribeLostConnection(t *testing.T) {
	addr := fakeGpsd(t, []string{versionLine, tpvFixed}, true)
	src := NewGpsdSource(addr)

	fixes := make(chan Fix, 8)
	errs := make(chan error, 8)
	sub, err := src.Subscribe(Options{Timeout: 2 * time.Second},
		func(f Fix) { fixes <- f },
		func(e error) { errs <- e })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	recvFix(t, fixes)
	if err := recvErr(t, errs); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected fatal unavailable on lost connection, got %v", err)
	}
}

func TestGpsdSubscribeDialError(t *testing.T) {
	src := NewGpsdSource("127.0.0.1:1")
	_, err := src.Subscribe(Options{}, func(Fix) {}, func(error) {})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
