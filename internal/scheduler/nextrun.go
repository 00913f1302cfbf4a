package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// NextRun computes when the task should fire next, evaluated after
// now. A nil time with a nil error means the task never fires again,
// which only happens for a once task whose moment has passed.
func NextRun(t *store.Task, now time.Time) (*time.Time, error) {
	switch t.ScheduleType {
	case store.ScheduleCron:
		expr, err := normalizeCron(t.ScheduleValue)
		if err != nil {
			return nil, err
		}
		next, err := gronx.NextTickAfter(expr, now.UTC(), false)
		if err != nil {
			return nil, faults.Wrap(faults.Config, err, "invalid cron expression %q", t.ScheduleValue)
		}
		return &next, nil
	case store.ScheduleInterval:
		d, err := parseInterval(t.ScheduleValue)
		if err != nil {
			return nil, err
		}
		next := now.Add(d)
		return &next, nil
	case store.ScheduleOnce:
		at := t.NextRun
		if at == nil && t.ScheduleValue != "" {
			parsed, err := time.Parse(time.RFC3339, t.ScheduleValue)
			if err != nil {
				return nil, faults.Wrap(faults.Config, err, "invalid once time %q", t.ScheduleValue)
			}
			at = &parsed
		}
		if at == nil || !at.After(now) {
			return nil, nil
		}
		return at, nil
	default:
		return nil, faults.New(faults.Config, "unknown schedule type %q", t.ScheduleType)
	}
}

// normalizeCron widens a 5- or 6-field expression to the internal
// 7-field form: seconds prepended for 5-field, year appended for both.
// Any other arity is rejected rather than guessed at.
func normalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
		fields = append(fields, "*")
	case 6:
		fields = append(fields, "*")
	case 7:
	default:
		return "", faults.New(faults.Config, "cron expression needs 5, 6, or 7 fields, got %d in %q", len(fields), expr)
	}
	return strings.Join(fields, " "), nil
}

// parseInterval reads <n>s, <n>m, <n>h, <n>d, or a bare integer
// meaning seconds.
func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, faults.New(faults.Config, "empty interval")
	}
	unit := time.Second
	num := v
	switch v[len(v)-1] {
	case 's':
		num = v[:len(v)-1]
	case 'm':
		unit, num = time.Minute, v[:len(v)-1]
	case 'h':
		unit, num = time.Hour, v[:len(v)-1]
	case 'd':
		unit, num = 24*time.Hour, v[:len(v)-1]
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, faults.New(faults.Config, "invalid interval %q", v)
	}
	return time.Duration(n) * unit, nil
}
