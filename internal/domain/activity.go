package domain

import (
	"maps"
	"time"
)

// Activity types emitted by the tracker.
const (
	ActivityPageView         = "page_view"
	ActivityLinkClick        = "link_click"
	ActivityDocumentView     = "document_view"
	ActivityDocumentDownload = "document_download"
	ActivityRoleSwitch       = "role_switch"
)

// Activity is the wire representation of a tracked event sent to
// POST /activities.
type Activity struct {
	Type      string         `json:"type" validate:"required,max=64"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// QueuedEvent is a durable staging copy of an Activity awaiting delivery.
type QueuedEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
	QueuedAt  time.Time      `json:"queuedAt"`
	Attempts  int            `json:"attempts,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// Activity promotes the queued copy back to its wire form.
func (e QueuedEvent) Activity() Activity {
	return Activity{
		Type:      e.Type,
		Metadata:  maps.Clone(e.Metadata),
		Timestamp: e.Timestamp,
	}
}
