package utils

import (
	"fmt"
	"time"

	"eventsite/api/models"
)

// ParseDateRange parses inclusive YYYY-MM-DD bounds. An empty start defaults
// to six days before end, and an empty end defaults to today (UTC), giving a
// seven day window.
func ParseDateRange(startParam, endParam string, now time.Time) (time.Time, time.Time, error) {
	end := models.Day(now)
	if endParam != "" {
		d, err := models.ParseDay(endParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
		}
		end = d
	}
	start := end.AddDate(0, 0, -6)
	if startParam != "" {
		d, err := models.ParseDay(startParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
		}
		start = d
	}
	return start, end, nil
}

// DaysBetween returns every UTC day from start through end inclusive.
func DaysBetween(start, end time.Time) []time.Time {
	start, end = models.Day(start), models.Day(end)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
