package models

import (
	"fmt"
	"time"
)

// DayLayout is the wire and storage format of a calendar day.
const DayLayout = "2006-01-02"

// Day truncates t to midnight UTC. All calendar bucketing uses UTC days.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func ParseDay(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DayLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return d, nil
}

func FormatDay(t time.Time) string {
	return Day(t).Format(DayLayout)
}

// DailyAggregate is the derived summary row for one UTC day. It is only ever
// written whole by the rollup; nothing increments it in place.
type DailyAggregate struct {
	Date                time.Time `json:"date"`
	TotalSessions       int64     `json:"total_sessions"`
	TotalPageViews      int64     `json:"total_page_views"`
	UniqueVisitors      int64     `json:"unique_visitors"`
	TotalActions        int64     `json:"total_actions"`
	ContentInteractions int64     `json:"content_interactions"`
	PhotosUploaded      int64     `json:"photos_uploaded"`
	RSVPsSubmitted      int64     `json:"rsvps_submitted"`
	GuestbookPosts      int64     `json:"guestbook_posts"`
	AvgSessionSeconds   int64     `json:"avg_session_seconds"`
	AbandonedSessions   int64     `json:"abandoned_sessions"`
}

type SummaryTotals struct {
	Sessions  int64 `json:"sessions"`
	PageViews int64 `json:"page_views"`
	Actions   int64 `json:"actions"`
}

type SummaryBucket struct {
	Date      string `json:"date"`
	Sessions  int64  `json:"sessions"`
	PageViews int64  `json:"page_views"`
	Actions   int64  `json:"actions"`
}

// Summary answers "totals and time series for [start, end]". Series holds one
// bucket per calendar day with no gaps.
type Summary struct {
	Totals SummaryTotals   `json:"totals"`
	Series []SummaryBucket `json:"series"`
}

type PopularPage struct {
	PagePath       string  `json:"page_path"`
	ViewCount      int64   `json:"view_count"`
	UniqueVisitors int64   `json:"unique_visitors"`
	AvgTime        float64 `json:"avg_time"`
}

type EventCountByTime struct {
	Time      time.Time `json:"time"`
	EventType *string   `json:"eventType,omitempty"`
	Count     uint64    `json:"count"`
}
