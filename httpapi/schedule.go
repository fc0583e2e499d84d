package httpapi

import (
	"errors"
	"time"
)

var errInvalidScheduleType = errors.New("schedule type must be one of date, interval, cron")

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("schedule.runAt is required for a date trigger")
	}
	return time.Parse(time.RFC3339, s)
}
