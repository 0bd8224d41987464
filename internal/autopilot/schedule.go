package autopilot

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 6-field expressions (seconds mandatory); normalizeCron
// pads a 5-field expression with a leading "0" seconds column first, so a
// user-supplied standard crontab line works unchanged.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// normalizeCron converts a 5-field cron expression to 6-field by prepending
// a seconds column; a 6-field or descriptor ("@hourly") expression passes
// through unchanged.
func normalizeCron(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "@") {
		return trimmed
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 5 {
		return "0 " + trimmed
	}
	return trimmed
}

// schedule parses a Trigger's Schedule field into a cron.Schedule, usable
// to compute the next fire time.
func parseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(normalizeCron(expr))
	if err != nil {
		return nil, fmt.Errorf("autopilot: invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// nextFire returns the next time after now that sched is due.
func nextFire(sched cron.Schedule, now time.Time) time.Time {
	return sched.Next(now)
}
