package activity

import (
	"context"
	"sync"
)

// Interaction is a user action on a page forwarded by the host.
type Interaction struct {
	// Tag is the element's tag name, "a" for links.
	Tag       string         `json:"tag"`
	Href      string         `json:"href,omitempty"`
	ElementID string         `json:"elementId,omitempty"`
	Text      string         `json:"text,omitempty"`
	PageURL   string         `json:"pageUrl,omitempty"`
	Track     string         `json:"track,omitempty"`
	TrackMeta map[string]any `json:"trackMeta,omitempty"`
}

// InteractionHandler consumes one interaction.
type InteractionHandler func(ctx context.Context, in Interaction)

// InteractionSource delivers trackable interactions to subscribers.
type InteractionSource interface {
	OnTrackableInteraction(fn InteractionHandler) (cancel func())
}

// InteractionHub fans published interactions out to every subscriber.
type InteractionHub struct {
	mu     sync.RWMutex
	subs   map[int]InteractionHandler
	nextID int
}

func NewInteractionHub() *InteractionHub {
	return &InteractionHub{subs: make(map[int]InteractionHandler)}
}

func (h *InteractionHub) OnTrackableInteraction(fn InteractionHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish hands in to every subscriber and reports how many received it.
func (h *InteractionHub) Publish(ctx context.Context, in Interaction) int {
	h.mu.RLock()
	fns := make([]InteractionHandler, 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, in)
	}
	return len(fns)
}
