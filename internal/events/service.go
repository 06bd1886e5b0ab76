package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/SiteWatch/internal/database"
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// Service manages events
type Service struct {
	db          *database.DB
	logger      *slog.Logger
	subscribers []chan *Event
	mu          sync.RWMutex
}

// NewService creates a new event service
func NewService(db *database.DB) *Service {
	return &Service{
		db:          db,
		logger:      slog.Default().With("component", "event_service"),
		subscribers: make([]chan *Event, 0),
	}
}

// Subscribe returns a channel that receives new events
func (s *Service) Subscribe() chan *Event {
	ch := make(chan *Event, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (s *Service) Unsubscribe(ch chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

const eventColumns = `id, stream_id, domain, event_type, status, reasons, person_boxes,
	unsafe_frames, total_frames, unsafe_ratio, timestamp, thumbnail_path,
	metadata, acknowledged, acknowledged_at, created_at`

// Create stores a new event and notifies subscribers
func (s *Service) Create(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.EventType == "" {
		event.EventType = EventViolation
	}
	if event.Reasons == nil {
		event.Reasons = []string{}
	}
	if event.PersonBoxes == nil {
		event.PersonBoxes = []detection.Box{}
	}

	reasonsJSON, err := json.Marshal(event.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	boxesJSON, err := json.Marshal(event.PersonBoxes)
	if err != nil {
		return fmt.Errorf("failed to marshal person boxes: %w", err)
	}

	var metadata, thumbnail *string
	if len(event.Metadata) > 0 {
		m := string(event.Metadata)
		metadata = &m
	}
	if event.ThumbnailPath != "" {
		thumbnail = &event.ThumbnailPath
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.StreamID, event.Domain, string(event.EventType), event.Status,
		string(reasonsJSON), string(boxesJSON),
		event.UnsafeFrames, event.TotalFrames, event.UnsafeRatio,
		event.Timestamp.Unix(), thumbnail, metadata,
		boolInt(event.Acknowledged), unixOrNil(event.AcknowledgedAt), event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	s.notifySubscribers(event)

	s.logger.Info("Event created", "id", event.ID, "type", event.EventType,
		"stream", event.StreamID, "domain", event.Domain, "reasons", event.Reasons)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	event := &Event{}
	var eventType, reasonsJSON, boxesJSON string
	var timestamp, createdAt int64
	var acknowledged int
	var thumbnail, metadata sql.NullString
	var acknowledgedAt sql.NullInt64

	if err := row.Scan(
		&event.ID, &event.StreamID, &event.Domain, &eventType, &event.Status,
		&reasonsJSON, &boxesJSON,
		&event.UnsafeFrames, &event.TotalFrames, &event.UnsafeRatio,
		&timestamp, &thumbnail, &metadata,
		&acknowledged, &acknowledgedAt, &createdAt,
	); err != nil {
		return nil, err
	}

	event.EventType = EventType(eventType)
	event.Timestamp = time.Unix(timestamp, 0)
	event.CreatedAt = time.Unix(createdAt, 0)
	event.Acknowledged = acknowledged == 1
	event.ThumbnailPath = thumbnail.String

	if acknowledgedAt.Valid {
		t := time.Unix(acknowledgedAt.Int64, 0)
		event.AcknowledgedAt = &t
	}
	if metadata.Valid {
		event.Metadata = json.RawMessage(metadata.String)
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &event.Reasons); err != nil || event.Reasons == nil {
		event.Reasons = []string{}
	}
	if err := json.Unmarshal([]byte(boxesJSON), &event.PersonBoxes); err != nil || event.PersonBoxes == nil {
		event.PersonBoxes = []detection.Box{}
	}
	return event, nil
}

// Get retrieves an event by ID
func (s *Service) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// List retrieves events with filters, newest first, with the unpaged total
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if opts.StreamID != "" {
		where += " AND stream_id = ?"
		args = append(args, opts.StreamID)
	}
	if opts.Domain != "" {
		where += " AND domain = ?"
		args = append(args, opts.Domain)
	}
	if opts.EventType != "" {
		where += " AND event_type = ?"
		args = append(args, string(opts.EventType))
	}
	if !opts.StartTime.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, opts.StartTime.Unix())
	}
	if !opts.EndTime.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, opts.EndTime.Unix())
	}
	if opts.Acknowledged != nil {
		where += " AND acknowledged = ?"
		args = append(args, boolInt(*opts.Acknowledged))
	}

	var totalCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query := "SELECT " + eventColumns + " FROM events" + where + " ORDER BY timestamp DESC, created_at DESC LIMIT ?"
	args = append(args, limit)
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, totalCount, rows.Err()
}

// Acknowledge marks an event as seen by an operator
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE events SET acknowledged = 1, acknowledged_at = ? WHERE id = ?",
		time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return expectOne(result, id)
}

// Delete deletes an event
func (s *Service) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOne(result, id)
}

// GetStats returns event counts, for one stream when streamID is set
func (s *Service) GetStats(ctx context.Context, streamID string) (*Stats, error) {
	now := time.Now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	filter := ""
	args := []interface{}{}
	if streamID != "" {
		filter = " AND stream_id = ?"
		args = append(args, streamID)
	}

	stats := &Stats{ByDomain: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE timestamp >= ?"+filter,
		append([]interface{}{todayStart.Unix()}, args...)...).Scan(&stats.Today); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE acknowledged = 0"+filter, args...).Scan(&stats.Unacknowledged); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT domain, COUNT(*) FROM events WHERE 1=1"+filter+" GROUP BY domain", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var domain string
		var n int
		if err := rows.Scan(&domain, &n); err != nil {
			return nil, err
		}
		stats.ByDomain[domain] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

func (s *Service) notifySubscribers(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func expectOne(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
