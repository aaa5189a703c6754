// api/models/event.go
package models

import (
	"encoding/json"
	"time"
)

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PageView is one navigation to a logical page within a session. TimeOnPage
// and ExitedAt are set at most once, when the client reports the exit.
type PageView struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Identity   Identity   `json:"-"`
	PagePath   string     `json:"page_path"`
	PageTitle  string     `json:"page_title"`
	Referrer   string     `json:"referrer,omitempty"`
	Viewport   Viewport   `json:"viewport"`
	CreatedAt  time.Time  `json:"created_at"`
	TimeOnPage *int       `json:"time_on_page,omitempty"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

// ActivityEvent is an append-only record of a categorized user action.
type ActivityEvent struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Identity       Identity       `json:"-"`
	ActionType     string         `json:"action_type"`
	ActionCategory string         `json:"action_category"`
	ActionDetails  map[string]any `json:"action_details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ContentInteraction is an append-only record of an interaction with a content
// item owned by another domain. ContentID is opaque here and is never joined
// against the owning table, so deleting the content leaves the row intact.
type ContentInteraction struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Identity         Identity  `json:"-"`
	ContentType      string    `json:"content_type"`
	ContentID        string    `json:"content_id"`
	InteractionType  string    `json:"interaction_type"`
	InteractionValue string    `json:"interaction_value,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Well-known action types the content domains emit. The daily rollup derives
// its domain counters from them.
const (
	ActionPhotoUpload   = "photo_upload"
	ActionRSVPSubmit    = "rsvp_submit"
	ActionGuestbookPost = "guestbook_post"
)

// Event kinds as mirrored into the warehouse.
const (
	KindPageView    = "page_view"
	KindActivity    = "activity"
	KindInteraction = "content_interaction"
)

// WarehouseEvent is the flattened row mirrored into ClickHouse for ad-hoc analysis.
type WarehouseEvent struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	PagePath  string          `json:"pagePath"`
	Referrer  string          `json:"referrer"`
	Category  string          `json:"category"`
	Action    string          `json:"action"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}
