package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kevinpatel18/location-tracker/internal/keepalive"
	"github.com/kevinpatel18/location-tracker/internal/position"
	"github.com/kevinpatel18/location-tracker/internal/shared/geo"
	"github.com/kevinpatel18/location-tracker/internal/storage"
	"github.com/kevinpatel18/location-tracker/internal/stream"
)

const (
	maxDiagnostics = 64
	persistQueue   = 256
	permissionName = "background-sampling"
	syncTaskName   = "path-flush"
)

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("session already active")
	// ErrServiceClosed is returned by Start after Close.
	ErrServiceClosed = errors.New("tracking service closed")
)

// Archiver receives completed sessions. Archive failures are diagnostics,
// never session errors.
type Archiver interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
}

// Config carries the session tuning knobs.
type Config struct {
	Sensor    position.Options
	Threshold float64 // movement filter, degrees per axis
}

// Service owns the tracking session. It seeds and watches the position
// source, filters fixes into the durable path, holds the background
// keep-alive and exposes a race-free snapshot. All session mutation happens
// under one mutex, and sensor callbacks check the session's own state, so a
// fix landing after stop is discarded regardless of when the sensor
// acknowledges cancellation.
type Service struct {
	source  position.Source
	store   *storage.Store
	coord   keepalive.Coordinator
	hub     *stream.Hub
	archive Archiver
	opts    position.Options
	filter  MovementFilter

	mu        sync.Mutex
	state     State
	sessionID string
	path      []position.Fix
	current   *position.Fix
	lastErr   *ErrorRecord
	startedAt *time.Time
	endedAt   *time.Time
	distanceM float64
	sub       position.Subscription
	lease     *keepalive.Lease
	syncOK    bool
	diags     []DiagnosticRecord
	closed    bool

	persistCh chan position.Fix
	drained   chan struct{}
}

// NewService wires the session service. hub and archive may be nil. The
// durable-append worker runs for the service's lifetime; Close shuts it
// down.
func NewService(source position.Source, store *storage.Store, coord keepalive.Coordinator, hub *stream.Hub, archive Archiver, cfg Config) *Service {
	s := &Service{
		source:    source,
		store:     store,
		coord:     coord,
		hub:       hub,
		archive:   archive,
		opts:      cfg.Sensor,
		filter:    NewMovementFilter(cfg.Threshold),
		state:     StateIdle,
		persistCh: make(chan position.Fix, persistQueue),
		drained:   make(chan struct{}),
	}
	go s.persistLoop()
	return s
}

// Start begins a session from Idle or Error: probe the sensor, hydrate the
// persisted path, fire the background acquisitions and the seed fix, then
// subscribe. Fatal probe or subscribe failures land in Error with every
// acquired handle released.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if s.state != StateIdle && s.state != StateError {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.state = StateStarting
	s.sessionID = uuid.NewString()
	sessionID := s.sessionID
	now := time.Now()
	s.startedAt = &now
	s.endedAt = nil
	s.current = nil
	s.lastErr = nil
	s.path = nil
	s.distanceM = 0
	s.diag("info", "session "+sessionID+" starting")
	starting := s.stateEventLocked()
	s.mu.Unlock()
	s.publish(starting)

	if err := s.source.Available(ctx); err != nil {
		return s.failStart(sessionID, fmt.Errorf("capability probe: %w", err))
	}

	fixes, err := s.store.LoadAll(ctx)
	s.mu.Lock()
	if s.sessionID != sessionID || s.state != StateStarting {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.diag("warn", fmt.Sprintf("path hydrate failed: %v", err))
	} else if len(fixes) > 0 {
		s.path = fixes
		s.distanceM = pathDistanceM(fixes)
		s.diag("info", fmt.Sprintf("hydrated %d persisted points", len(fixes)))
	}
	s.mu.Unlock()

	go s.acquireBackground(sessionID)
	go s.seed(sessionID)

	sub, err := s.source.Subscribe(s.opts,
		func(f position.Fix) { s.handleFix(sessionID, f) },
		func(e error) { s.handleWatchError(sessionID, e) })
	if err != nil {
		return s.failStart(sessionID, fmt.Errorf("subscribe: %w", err))
	}

	s.mu.Lock()
	if s.sessionID != sessionID || s.state != StateStarting {
		// Stopped while starting; release what we just acquired.
		s.mu.Unlock()
		sub.Stop()
		return nil
	}
	s.sub = sub
	s.state = StateTracking
	s.diag("info", "session tracking")
	tracking := s.stateEventLocked()
	s.mu.Unlock()
	s.publish(tracking)
	return nil
}

// Stop ends the session. It is a no-op outside Starting/Tracking. The
// state flips before the sensor acknowledges cancellation; any callback in
// that window is discarded by the state check.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateTracking {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	release := s.handlesLocked()
	job := s.archiveJobLocked()
	s.diag("info", "session "+s.sessionID+" stopping")
	stopping := s.stateEventLocked()
	s.mu.Unlock()

	s.publish(stopping)
	release()

	s.mu.Lock()
	s.state = StateIdle
	now := time.Now()
	s.endedAt = &now
	s.diag("info", "session stopped")
	idle := s.stateEventLocked()
	s.mu.Unlock()
	s.publish(idle)

	if job != nil {
		go s.runArchive(*job)
	}
}

// Close is the process-teardown path: it behaves as Stop, then shuts the
// durable-append worker down after draining it. The service cannot be
// started again.
func (s *Service) Close() {
	s.Stop()

	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return
	}

	close(s.persistCh)
	select {
	case <-s.drained:
	case <-time.After(5 * time.Second):
		log.Printf("tracking: durable append drain timed out")
	}
}

// Snapshot returns a deep copy safe to serve while callbacks arrive.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:   s.sessionID,
		State:       s.state,
		Path:        append(make([]position.Fix, 0, len(s.path)), s.path...),
		DistanceM:   s.distanceM,
		Diagnostics: append(make([]DiagnosticRecord, 0, len(s.diags)), s.diags...),
	}
	if s.current != nil {
		c := *s.current
		snap.Current = &c
	}
	if s.lastErr != nil {
		e := *s.lastErr
		snap.LastError = &e
	}
	if s.startedAt != nil {
		at := *s.startedAt
		snap.StartedAt = &at
	}
	return snap
}

// Summary aggregates the current session.
func (s *Service) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		SessionID:  s.sessionID,
		State:      s.state,
		PointCount: len(s.path),
		DistanceM:  s.distanceM,
	}
	if s.startedAt != nil {
		end := time.Now()
		if s.endedAt != nil {
			end = *s.endedAt
		}
		dur := end.Sub(*s.startedAt)
		sum.DurationSec = int64(dur.Seconds())
		if dur.Seconds() > 0 {
			sum.AverageSpeedM = s.distanceM / dur.Seconds()
		}
	}
	return sum
}

// handleFix is the single entry point for fixes, seeded and watched alike:
// whichever arrives first becomes the first path point and the other runs
// through the ordinary significance check.
func (s *Service) handleFix(sessionID string, f position.Fix) {
	s.mu.Lock()
	if s.sessionID != sessionID || (s.state != StateTracking && s.state != StateStarting) {
		s.mu.Unlock()
		return
	}

	fx := f
	s.current = &fx
	s.lastErr = nil

	recorded := false
	last := s.lastAcceptedLocked()
	if s.filter.Significant(f, last) {
		if last != nil {
			s.distanceM += geo.HaversineKm(last.Lat, last.Lng, f.Lat, f.Lng) * 1000
		}
		s.path = append(s.path, f)
		recorded = true
		select {
		case s.persistCh <- f:
		default:
			s.diag("warn", "durable append queue full, point kept in memory only")
		}
	}
	payload := s.fixEventLocked(f, recorded)
	s.mu.Unlock()

	s.publish(payload)
}

// handleWatchError routes sensor errors from the watch and the seed call.
// Fatal kinds tear the session down into Error; transient kinds are
// recorded and tracking continues.
func (s *Service) handleWatchError(sessionID string, err error) {
	rec := newErrorRecord(err)

	s.mu.Lock()
	if s.sessionID != sessionID || (s.state != StateTracking && s.state != StateStarting) {
		s.mu.Unlock()
		return
	}
	s.lastErr = &rec

	if !rec.Fatal {
		s.diag("warn", "transient sensor error: "+rec.Message)
		payload := s.stateEventLocked()
		s.mu.Unlock()
		s.publish(payload)
		return
	}

	release := s.handlesLocked()
	s.state = StateError
	now := time.Now()
	s.endedAt = &now
	s.diag("error", "fatal sensor error: "+rec.Message)
	payload := s.stateEventLocked()
	s.mu.Unlock()

	release()
	s.publish(payload)
}

func (s *Service) failStart(sessionID string, err error) error {
	rec := newErrorRecord(err)

	s.mu.Lock()
	if s.sessionID != sessionID || s.state != StateStarting {
		s.mu.Unlock()
		return err
	}
	release := s.handlesLocked()
	s.state = StateError
	now := time.Now()
	s.endedAt = &now
	s.lastErr = &rec
	s.diag("error", "start failed: "+rec.Message)
	payload := s.stateEventLocked()
	s.mu.Unlock()

	release()
	s.publish(payload)
	return err
}

// handlesLocked detaches the subscription and lease so every teardown
// trigger (stop, fatal error, failed start, close) releases them exactly
// once, outside the lock.
func (s *Service) handlesLocked() func() {
	sub := s.sub
	lease := s.lease
	s.sub = nil
	s.lease = nil
	s.syncOK = false
	return func() {
		if sub != nil {
			sub.Stop()
		}
		s.coord.ReleaseKeepAlive(lease)
	}
}

// acquireBackground requests the best-effort capabilities. Nothing here can
// fail the session; every outcome is a diagnostic.
func (s *Service) acquireBackground(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if perm, err := s.coord.QueryPermission(ctx, permissionName); err != nil {
		s.diagAsync(sessionID, "info", fmt.Sprintf("background permission probe: %v", err))
	} else {
		s.diagAsync(sessionID, "info", "background permission: "+string(perm))
	}

	lease, err := s.coord.AcquireKeepAlive(ctx)
	if err != nil {
		s.diagAsync(sessionID, "info", fmt.Sprintf("keep-alive unavailable: %v", err))
	} else {
		s.mu.Lock()
		if s.sessionID == sessionID && (s.state == StateStarting || s.state == StateTracking) {
			s.lease = lease
			s.diag("info", "keep-alive lease held")
			s.mu.Unlock()
		} else {
			s.mu.Unlock()
			s.coord.ReleaseKeepAlive(lease)
		}
	}

	if err := s.coord.RegisterDeferredSync(ctx, syncTaskName); err != nil {
		s.diagAsync(sessionID, "info", fmt.Sprintf("deferred sync unavailable: %v", err))
	} else {
		s.mu.Lock()
		if s.sessionID == sessionID {
			s.syncOK = true
			s.diag("info", "deferred sync registered")
		}
		s.mu.Unlock()
	}
}

// seed obtains the immediate fix so consumers see a position before the
// first watch sample lands.
func (s *Service) seed(sessionID string) {
	fix, err := s.source.Current(context.Background(), s.opts)
	if err != nil {
		s.handleWatchError(sessionID, err)
		return
	}
	s.handleFix(sessionID, fix)
}

func (s *Service) persistLoop() {
	defer close(s.drained)
	for f := range s.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.Append(ctx, f)
		cancel()
		if err != nil {
			log.Printf("tracking: durable append failed: %v", err)
			s.mu.Lock()
			s.diag("warn", fmt.Sprintf("durable append failed: %v", err))
			s.mu.Unlock()
		}
	}
}

func (s *Service) archiveJobLocked() *SessionRecord {
	if s.archive == nil || len(s.path) == 0 || s.startedAt == nil {
		return nil
	}
	return &SessionRecord{
		SessionID: s.sessionID,
		StartedAt: *s.startedAt,
		EndedAt:   time.Now(),
		Fixes:     append([]position.Fix(nil), s.path...),
		DistanceM: s.distanceM,
	}
}

func (s *Service) runArchive(rec SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.archive.SaveSession(ctx, rec); err != nil {
		s.diagAsync(rec.SessionID, "warn", fmt.Sprintf("session archive failed: %v", err))
	} else {
		s.diagAsync(rec.SessionID, "info", "session archived")
	}
}

// diag appends to the bounded diagnostic ring. Callers hold the lock.
func (s *Service) diag(level, msg string) {
	s.diags = append(s.diags, DiagnosticRecord{At: time.Now(), Level: level, Message: msg})
	if len(s.diags) > maxDiagnostics {
		s.diags = s.diags[len(s.diags)-maxDiagnostics:]
	}
	log.Printf("tracking: %s", msg)
}

func (s *Service) diagAsync(sessionID, level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != sessionID {
		return
	}
	s.diag(level, msg)
}

func (s *Service) lastAcceptedLocked() *position.Fix {
	if len(s.path) == 0 {
		return nil
	}
	return &s.path[len(s.path)-1]
}

func (s *Service) stateEventLocked() []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":        "state",
		"session_id":  s.sessionID,
		"state":       s.state,
		"point_count": len(s.path),
		"distance_m":  s.distanceM,
		"last_error":  s.lastErr,
	})
	return payload
}

func (s *Service) fixEventLocked(f position.Fix, recorded bool) []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":       "fix",
		"session_id": s.sessionID,
		"fix":        f,
		"recorded":   recorded,
	})
	return payload
}

func (s *Service) publish(payload []byte) {
	if s.hub != nil && payload != nil {
		s.hub.Broadcast(payload)
	}
}

func newErrorRecord(err error) ErrorRecord {
	return ErrorRecord{
		Kind:    errorKind(err),
		Message: err.Error(),
		Fatal:   position.Fatal(err),
		At:      time.Now(),
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, position.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, position.ErrUnavailable):
		return "sensor_unavailable"
	case errors.Is(err, position.ErrPositionUnavailable):
		return "position_unavailable"
	case errors.Is(err, position.ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

func pathDistanceM(fixes []position.Fix) float64 {
	var total float64
	for i := 1; i < len(fixes); i++ {
		total += geo.HaversineKm(fixes[i-1].Lat, fixes[i-1].Lng, fixes[i].Lat, fixes[i].Lng) * 1000
	}
	return total
}
