package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/events"
	"github.com/Spatial-NVR/SiteWatch/internal/logging"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...interface{}) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

var streamIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateStreamID validates a stream ID format
func ValidateStreamID(id string) error {
	if id == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("stream ID must be at most 64 characters")
	}
	if !streamIDPattern.MatchString(id) {
		return fmt.Errorf("stream ID must contain only letters, numbers, underscores, and hyphens")
	}
	return nil
}

// ParseEventQuery reads event list filters from query parameters:
// stream, domain, type, since, until (RFC 3339), acknowledged, limit, offset
func ParseEventQuery(q url.Values) (events.ListOptions, ValidationErrors) {
	var opts events.ListOptions
	var errs ValidationErrors

	if s := q.Get("stream"); s != "" {
		if err := ValidateStreamID(s); err != nil {
			errs.add("stream", "%v", err)
		}
		opts.StreamID = s
	}
	opts.Domain = q.Get("domain")

	switch t := events.EventType(q.Get("type")); t {
	case "", events.EventViolation, events.EventAlert:
		opts.EventType = t
	default:
		errs.add("type", "must be %q or %q", events.EventViolation, events.EventAlert)
	}

	opts.StartTime = parseTime(q.Get("since"), "since", &errs)
	opts.EndTime = parseTime(q.Get("until"), "until", &errs)
	if !opts.StartTime.IsZero() && !opts.EndTime.IsZero() && opts.EndTime.Before(opts.StartTime) {
		errs.add("until", "must not be before since")
	}

	if a := q.Get("acknowledged"); a != "" {
		b, err := strconv.ParseBool(a)
		if err != nil {
			errs.add("acknowledged", "must be true or false")
		} else {
			opts.Acknowledged = &b
		}
	}

	opts.Limit = parseInt(q.Get("limit"), "limit", defaultPageSize, &errs)
	if opts.Limit < 1 || opts.Limit > maxPageSize {
		errs.add("limit", "must be between 1 and %d", maxPageSize)
	}
	opts.Offset = parseInt(q.Get("offset"), "offset", 0, &errs)
	if opts.Offset < 0 {
		errs.add("offset", "must not be negative")
	}

	return opts, errs
}

// ParseLogQuery reads log filters: limit, level, component
func ParseLogQuery(q url.Values) (logging.Query, ValidationErrors) {
	var errs ValidationErrors
	query := logging.Query{
		Limit:     parseInt(q.Get("limit"), "limit", 200, &errs),
		MinLevel:  logging.ParseLevel(q.Get("level")),
		Component: q.Get("component"),
	}
	if query.Limit < 1 {
		errs.add("limit", "must be positive")
	}
	return query, errs
}

func parseTime(s, field string, errs *ValidationErrors) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		errs.add(field, "must be an RFC 3339 timestamp")
		return time.Time{}
	}
	return t
}

func parseInt(s, field string, def int, errs *ValidationErrors) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		errs.add(field, "must be an integer")
		return def
	}
	return n
}
