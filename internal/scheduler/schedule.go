package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions plus descriptors
// like @daily. Day-of-week 0 is Sunday.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// maxHorizon bounds how far out a next run may land. Anything further
// is treated as a configuration mistake rather than scheduled.
const maxHorizon = 365 * 24 * time.Hour

// ErrBeyondHorizon indicates a next run more than a year away.
var ErrBeyondHorizon = errors.New("next run more than one year away")

// Validate checks a task's schedule and action shape.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name required")
	}
	switch t.Type {
	case TypeOneShot:
		if t.RunAt.IsZero() && t.Delay <= 0 {
			return fmt.Errorf("task %s: one_shot requires run_at or delay", t.Name)
		}
	case TypeInterval:
		if t.Every <= 0 {
			return fmt.Errorf("task %s: interval requires positive interval", t.Name)
		}
		if t.Delay < 0 {
			return fmt.Errorf("task %s: negative delay", t.Name)
		}
	case TypeCron:
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return fmt.Errorf("task %s: invalid cron expression: %w", t.Name, err)
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return fmt.Errorf("task %s: invalid timezone: %w", t.Name, err)
			}
		}
	default:
		return fmt.Errorf("task %s: unknown type %q", t.Name, t.Type)
	}

	switch t.Action.Kind {
	case ActionShell:
		if strings.TrimSpace(t.Action.Command) == "" {
			return fmt.Errorf("task %s: shell action requires command", t.Name)
		}
	case ActionMessage:
		if t.Action.Platform == "" || t.Action.ChannelID == "" {
			return fmt.Errorf("task %s: message action requires platform and channel_id", t.Name)
		}
	case ActionInternal:
		if strings.TrimSpace(t.Action.Handler) == "" {
			return fmt.Errorf("task %s: internal action requires handler", t.Name)
		}
	default:
		return fmt.Errorf("task %s: unknown action kind %q", t.Name, t.Action.Kind)
	}
	return nil
}

// firstRun computes the initial run when a task is added. A one-shot
// fires at run_at (or now+delay); an interval fires immediately unless
// a delay pushes the first run out; cron takes the next match. ok is
// false when the task has no future run (a one-shot whose run_at has
// passed).
func (t *Task) firstRun(now time.Time) (time.Time, bool, error) {
	var n time.Time
	switch t.Type {
	case TypeOneShot:
		if !t.RunAt.IsZero() {
			if now.After(t.RunAt) {
				return time.Time{}, false, nil
			}
			n = t.RunAt
		} else {
			n = now.Add(t.Delay)
		}
	case TypeInterval:
		n = now.Add(t.Delay)
	case TypeCron:
		return t.nextCron(now)
	default:
		return time.Time{}, false, fmt.Errorf("unknown task type %q", t.Type)
	}
	return t.checkHorizon(now, n)
}

// next computes the run following one that started at after. A
// one-shot never repeats; an interval repeats a fixed period after the
// previous run's start. ErrBeyondHorizon rejects runs more than a year
// out.
func (t *Task) next(after time.Time) (time.Time, bool, error) {
	switch t.Type {
	case TypeOneShot:
		return time.Time{}, false, nil
	case TypeInterval:
		return t.checkHorizon(after, after.Add(t.Every))
	case TypeCron:
		return t.nextCron(after)
	default:
		return time.Time{}, false, fmt.Errorf("unknown task type %q", t.Type)
	}
}

func (t *Task) nextCron(after time.Time) (time.Time, bool, error) {
	schedule, err := cronParser.Parse(t.Cron)
	if err != nil {
		return time.Time{}, false, err
	}
	loc := after.Location()
	if t.Timezone != "" {
		if tz, err := time.LoadLocation(t.Timezone); err == nil {
			loc = tz
		}
	}
	n := schedule.Next(after.In(loc))
	if n.IsZero() {
		return time.Time{}, false, nil
	}
	return t.checkHorizon(after, n)
}

func (t *Task) checkHorizon(now, n time.Time) (time.Time, bool, error) {
	if n.After(now.Add(maxHorizon)) {
		return time.Time{}, false, fmt.Errorf("task %s: %w", t.Name, ErrBeyondHorizon)
	}
	return n, true, nil
}
