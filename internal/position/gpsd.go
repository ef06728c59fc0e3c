package position

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"
)

const watchCommand = `?WATCH={"enable":true,"json":true}` + "\n"

// GpsdSource reads fixes from a gpsd daemon over its JSON wire protocol.
// Every report arrives as one newline-terminated JSON object; TPV reports
// with mode >= 2 carry a usable fix.
type GpsdSource struct {
	addr string
}

func NewGpsdSource(addr string) *GpsdSource {
	return &GpsdSource{addr: addr}
}

type gpsdReport struct {
	Class string   `json:"class"`
	Mode  int      `json:"mode"`
	Time  string   `json:"time"`
	Lat   float64  `json:"lat"`
	Lon   float64  `json:"lon"`
	Epx   *float64 `json:"epx"`
	Epy   *float64 `json:"epy"`
}

func (g *GpsdSource) Available(ctx context.Context) error {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, g.addr, err)
	}
	return conn.Close()
}

// Current dials gpsd, starts a watch and returns the first usable TPV
// report, or ErrTimeout once the acquisition window closes.
func (g *GpsdSource) Current(ctx context.Context, opts Options) (Fix, error) {
	deadline := time.Now().Add(opts.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, g.addr, err)
	}
	defer conn.Close()

	if err := startWatch(conn, deadline); err != nil {
		return Fix{}, err
	}

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(deadline)
		line, err := r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return Fix{}, ctx.Err()
			}
			if isTimeout(err) {
				return Fix{}, ErrTimeout
			}
			return Fix{}, fmt.Errorf("%w: read: %v", ErrUnavailable, err)
		}

		var rep gpsdReport
		if json.Unmarshal(line, &rep) != nil || rep.Class != "TPV" || rep.Mode < 2 {
			continue
		}
		if fix, ok := tpvToFix(rep, opts); ok {
			return fix, nil
		}
	}
}

// Subscribe keeps a watch connection open and delivers every usable TPV to
// onFix. Silence longer than the acquisition window reports ErrTimeout,
// reports without a fix report ErrPositionUnavailable, and a lost
// connection reports ErrUnavailable and ends the watch.
func (g *GpsdSource) Subscribe(opts Options, onFix func(Fix), onErr func(error)) (Subscription, error) {
	conn, err := net.DialTimeout("tcp", g.addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, g.addr, err)
	}
	if err := startWatch(conn, time.Now().Add(5*time.Second)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sub := &gpsdSubscription{conn: conn, done: make(chan struct{})}
	go sub.loop(opts, onFix, onErr)
	return sub, nil
}

type gpsdSubscription struct {
	conn net.Conn
	done chan struct{}
	once sync.Once
}

func (s *gpsdSubscription) Stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *gpsdSubscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *gpsdSubscription) loop(opts Options, onFix func(Fix), onErr func(error)) {
	r := bufio.NewReader(s.conn)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(opts.timeout()))
		line, err := r.ReadBytes('\n')
		if err != nil {
			if s.stopped() {
				return
			}
			if isTimeout(err) {
				onErr(ErrTimeout)
				continue
			}
			onErr(fmt.Errorf("%w: read: %v", ErrUnavailable, err))
			return
		}

		var rep gpsdReport
		if json.Unmarshal(line, &rep) != nil || rep.Class != "TPV" {
			continue
		}
		if rep.Mode < 2 {
			onErr(ErrPositionUnavailable)
			continue
		}
		if fix, ok := tpvToFix(rep, opts); ok {
			onFix(fix)
		}
	}
}

func startWatch(conn net.Conn, deadline time.Time) error {
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write([]byte(watchCommand)); err != nil {
		return fmt.Errorf("%w: watch: %v", ErrUnavailable, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return nil
}

// tpvToFix maps a TPV report onto a Fix, dropping reports staler than
// MaxAge. Reports without a time field get the wall clock.
func tpvToFix(rep gpsdReport, opts Options) (Fix, bool) {
	ts := time.Now()
	if rep.Time != "" {
		if parsed, err := time.Parse(time.RFC3339, rep.Time); err == nil {
			ts = parsed
		}
	}
	if opts.MaxAge > 0 && time.Since(ts) > opts.MaxAge {
		return Fix{}, false
	}

	fix := Fix{Lat: rep.Lat, Lng: rep.Lon, Timestamp: ts.UnixMilli()}
	switch {
	case rep.Epx != nil && rep.Epy != nil:
		v := math.Max(*rep.Epx, *rep.Epy)
		fix.Accuracy = &v
	case rep.Epx != nil:
		fix.Accuracy = rep.Epx
	case rep.Epy != nil:
		fix.Accuracy = rep.Epy
	}
	return fix, true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
