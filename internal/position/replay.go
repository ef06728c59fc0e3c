package position

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ReplaySource plays a recorded fix log, one JSON fix per line, delivering
// one fix per interval. The watch ends quietly at end of file.
type ReplaySource struct {
	path     string
	interval time.Duration
}

func NewReplaySource(path string, interval time.Duration) *ReplaySource {
	if interval <= 0 {
		interval = time.Second
	}
	return &ReplaySource{path: path, interval: interval}
}

func (r *ReplaySource) Available(_ context.Context) error {
	if _, err := os.Stat(r.path); err != nil {
		return fmt.Errorf("%w: replay file: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *ReplaySource) Current(_ context.Context, _ Options) (Fix, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: replay file: %v", ErrUnavailable, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if fix, ok := decodeReplayLine(sc.Bytes()); ok {
			return fix, nil
		}
	}
	return Fix{}, ErrPositionUnavailable
}

func (r *ReplaySource) Subscribe(_ Options, onFix func(Fix), _ func(error)) (Subscription, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: replay file: %v", ErrUnavailable, err)
	}

	sub := &replaySubscription{done: make(chan struct{})}
	go func() {
		defer f.Close()

		sc := bufio.NewScanner(f)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for sc.Scan() {
			fix, ok := decodeReplayLine(sc.Bytes())
			if !ok {
				continue
			}
			select {
			case <-sub.done:
				return
			case <-ticker.C:
			}
			onFix(fix)
		}
	}()
	return sub, nil
}

type replaySubscription struct {
	done chan struct{}
	once sync.Once
}

func (s *replaySubscription) Stop() {
	s.once.Do(func() { close(s.done) })
}

// decodeReplayLine skips blanks and garbage. Fixes recorded without a
// timestamp are stamped at delivery time.
func decodeReplayLine(line []byte) (Fix, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return Fix{}, false
	}
	var fix Fix
	if err := json.Unmarshal(line, &fix); err != nil {
		return Fix{}, false
	}
	if fix.Timestamp == 0 {
		fix.Timestamp = time.Now().UnixMilli()
	}
	return fix, true
}
