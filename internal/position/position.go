// Package position abstracts the device location sensor behind a source
// interface offering one-shot reads, continuous watches and a capability
// probe. Sources report failures through a small set of sentinel errors so
// callers can split fatal conditions from transient ones.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kevinpatel18/location-tracker/internal/config"
)

// Fix is a single sensor reading. Values are immutable once produced.
type Fix struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`          // epoch milliseconds
	Accuracy  *float64 `json:"accuracy,omitempty"` // meters, nil when unknown
}

// Options carries the sensor acquisition knobs: accuracy preference, how
// long one acquisition may take, and how stale a delivered fix may be.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

const defaultTimeout = 10 * time.Second

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

var (
	// ErrUnavailable means no sensor is reachable at all.
	ErrUnavailable = errors.New("position source unavailable")
	// ErrPermissionDenied means the sensor refused access.
	ErrPermissionDenied = errors.New("position permission denied")
	// ErrPositionUnavailable means the sensor is up but briefly has no fix.
	ErrPositionUnavailable = errors.New("position unavailable")
	// ErrTimeout means no fix arrived within the acquisition window.
	ErrTimeout = errors.New("position timeout")
)

// Fatal reports whether a source error should terminate a session.
// Unavailable and PermissionDenied are fatal; the rest are transient.
func Fatal(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrPermissionDenied)
}

// Source produces fixes. Subscribe delivers fixes and errors serially from
// one goroutine per subscription; a delivery is either a fix or an error,
// never both.
type Source interface {
	Available(ctx context.Context) error
	Current(ctx context.Context, opts Options) (Fix, error)
	Subscribe(opts Options, onFix func(Fix), onErr func(error)) (Subscription, error)
}

// Subscription is a handle on a running watch. Stop is idempotent; a
// callback already in flight when Stop returns may still be delivered.
type Subscription interface {
	Stop()
}

// FromConfig builds the configured source.
func FromConfig(cfg config.Config) (Source, error) {
	switch cfg.Source {
	case "gpsd":
		return NewGpsdSource(cfg.GpsdAddr), nil
	case "replay":
		return NewReplaySource(cfg.ReplayFile, time.Duration(cfg.ReplayIntervalMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrUnavailable, cfg.Source)
	}
}
