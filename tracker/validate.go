package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidEvent is returned for payloads rejected at the write boundary.
	ErrInvalidEvent = errors.New("invalid telemetry event")
	// ErrUntracked is returned for events on a session that was never persisted.
	ErrUntracked = errors.New("session is not tracked")
)

const (
	maxPathLen        = 2048
	maxTitleLen       = 512
	maxLabelLen       = 100
	maxContentIDLen   = 255
	maxValueLen       = 1024
	maxViewport       = 100000
	maxDetailsBytes   = 16 << 10
	maxDetailsKeys    = 64
	maxTimeOnPageSecs = 86400
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func requireLabel(field, v string, maxLen int) error {
	if strings.TrimSpace(v) == "" {
		return invalid("%s is required", field)
	}
	if len(v) > maxLen {
		return invalid("%s exceeds %d bytes", field, maxLen)
	}
	return nil
}

func optionalLabel(field, v string, maxLen int) error {
	if len(v) > maxLen {
		return invalid("%s exceeds %d bytes", field, maxLen)
	}
	return nil
}

func validateSessionID(id string) error {
	return requireLabel("session_id", id, maxContentIDLen)
}

func validatePageView(in PageViewInput) error {
	if err := validateSessionID(in.SessionID); err != nil {
		return err
	}
	if err := requireLabel("path", in.Path, maxPathLen); err != nil {
		return err
	}
	if err := optionalLabel("title", in.Title, maxTitleLen); err != nil {
		return err
	}
	if err := optionalLabel("referrer", in.Referrer, maxPathLen); err != nil {
		return err
	}
	if in.Viewport.Width < 0 || in.Viewport.Width > maxViewport ||
		in.Viewport.Height < 0 || in.Viewport.Height > maxViewport {
		return invalid("viewport %dx%d out of range", in.Viewport.Width, in.Viewport.Height)
	}
	return nil
}

func validateActivity(in ActivityInput) error {
	if err := validateSessionID(in.SessionID); err != nil {
		return err
	}
	if err := requireLabel("action_type", in.ActionType, maxLabelLen); err != nil {
		return err
	}
	if err := requireLabel("action_category", in.Category, maxLabelLen); err != nil {
		return err
	}
	if len(in.Details) > maxDetailsKeys {
		return invalid("action_details has %d keys, max %d", len(in.Details), maxDetailsKeys)
	}
	if in.Details != nil {
		b, err := json.Marshal(in.Details)
		if err != nil {
			return invalid("action_details is not JSON encodable: %v", err)
		}
		if len(b) > maxDetailsBytes {
			return invalid("action_details is %d bytes, max %d", len(b), maxDetailsBytes)
		}
	}
	return nil
}

func validateInteraction(in InteractionInput) error {
	if err := validateSessionID(in.SessionID); err != nil {
		return err
	}
	if err := requireLabel("content_type", in.ContentType, maxLabelLen); err != nil {
		return err
	}
	if err := requireLabel("content_id", in.ContentID, maxContentIDLen); err != nil {
		return err
	}
	if err := requireLabel("interaction_type", in.InteractionType, maxLabelLen); err != nil {
		return err
	}
	return optionalLabel("interaction_value", in.Value, maxValueLen)
}
