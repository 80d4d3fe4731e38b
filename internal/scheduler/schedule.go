package scheduler

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kibanda/internal/domain"
)

// parser accepts standard 5-field expressions and descriptors like @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// localLayout is accepted for once schedules written without a zone.
const localLayout = "2006-01-02T15:04:05"

// ValidateSchedule checks a schedule definition.
func ValidateSchedule(typ domain.ScheduleType, value string, loc *time.Location) error {
	switch typ {
	case domain.ScheduleCron:
		if _, err := parser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
	case domain.ScheduleInterval:
		if _, err := ParseInterval(value); err != nil {
			return err
		}
	case domain.ScheduleOnce:
		if _, err := ParseOnce(value, loc); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule type %q", typ)
	}
	return nil
}

// ParseInterval parses a positive period in milliseconds.
func ParseInterval(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid interval %q: want a positive number of milliseconds", value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ParseOnce parses an RFC 3339 timestamp, or a zone-less local timestamp
// interpreted in loc.
func ParseOnce(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(localLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: want RFC 3339", value)
	}
	return t.UTC(), nil
}

// ComputeNextRunFrom returns the first cron match strictly after from,
// evaluated in loc.
func ComputeNextRunFrom(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(from.In(loc)).UTC(), nil
}

// FirstRun returns when a newly created task should first fire.
func FirstRun(typ domain.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	switch typ {
	case domain.ScheduleCron:
		return ComputeNextRunFrom(value, now, loc)
	case domain.ScheduleInterval:
		d, err := ParseInterval(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	case domain.ScheduleOnce:
		return ParseOnce(value, loc)
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", typ)
}

// NextAfterRun returns the next fire time of a task that started a run at
// start. Once tasks have none.
func NextAfterRun(t *domain.ScheduledTask, start time.Time, loc *time.Location) (*time.Time, error) {
	switch t.ScheduleType {
	case domain.ScheduleCron:
		next, err := ComputeNextRunFrom(t.ScheduleValue, start, loc)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case domain.ScheduleInterval:
		d, err := ParseInterval(t.ScheduleValue)
		if err != nil {
			return nil, err
		}
		next := start.Add(d).UTC()
		return &next, nil
	case domain.ScheduleOnce:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
}

// NewTaskID returns "task-<epoch-ms>-<6 hex>".
func NewTaskID(now time.Time) string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("task-%d-%s", now.UnixMilli(), hex.EncodeToString(b))
}
