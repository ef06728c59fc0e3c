package archive

import (
	"context"
	"errors"
	"time"

	"github.com/kevinpatel18/location-tracker/internal/db"
	"github.com/kevinpatel18/location-tracker/internal/tracking"
)

// Service keeps completed sessions in postgres for later inspection. The
// daemon runs fine without it; with no database every operation reports
// ErrDisabled.
type Service struct {
	db db.Querier
}

func NewService(q db.Querier) *Service {
	return &Service{db: q}
}

// SaveSession writes one completed session and its recorded points.
func (s *Service) SaveSession(ctx context.Context, rec tracking.SessionRecord) error {
	if s.db == nil {
		return ErrDisabled
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, started_at, ended_at, point_count, distance_m)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.SessionID, rec.StartedAt, rec.EndedAt, len(rec.Fixes), rec.DistanceM)
	if err != nil {
		return err
	}

	for _, f := range rec.Fixes {
		_, err := s.db.Exec(ctx, `
			INSERT INTO session_points (session_id, lat, lng, accuracy, recorded_at)
			VALUES ($1,$2,$3,$4,$5)
		`, rec.SessionID, f.Lat, f.Lng, f.Accuracy, time.UnixMilli(f.Timestamp))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, started_at, ended_at, point_count, distance_m, created_at
		FROM sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &sess.PointCount, &sess.DistanceM, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *Service) Points(ctx context.Context, sessionID string) ([]Point, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, lat, lng, accuracy, recorded_at
		FROM session_points
		WHERE session_id=$1
		ORDER BY recorded_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Lat, &p.Lng, &p.Accuracy, &p.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func (s *Service) Summary(ctx context.Context, sessionID string) (Summary, error) {
	if s.db == nil {
		return Summary{}, ErrDisabled
	}

	row := s.db.QueryRow(ctx, `
		SELECT id, started_at, ended_at, point_count, distance_m
		FROM sessions WHERE id=$1
	`, sessionID)

	var (
		sum       Summary
		startedAt time.Time
		endedAt   time.Time
	)
	if err := row.Scan(&sum.SessionID, &startedAt, &endedAt, &sum.PointCount, &sum.DistanceM); err != nil {
		return Summary{}, err
	}

	dur := endedAt.Sub(startedAt)
	sum.DurationSec = int64(dur.Seconds())
	if dur.Seconds() > 0 {
		sum.AverageSpeedM = sum.DistanceM / dur.Seconds()
	}
	return sum, nil
}

var ErrDisabled = errors.New("session archive disabled")
