package activity

import (
	"context"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
)

// ActivitiesPath is the backend endpoint that records activities.
const ActivitiesPath = "/activities"

// Deliverer sends one activity to the backend.
type Deliverer interface {
	Deliver(ctx context.Context, a domain.Activity) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, a domain.Activity) error

func (f DeliverFunc) Deliver(ctx context.Context, a domain.Activity) error { return f(ctx, a) }

// Poster is the subset of *api.Client used for delivery.
type Poster interface {
	Post(ctx context.Context, path string, body, out any) error
}

// APIDeliverer posts activities through the authenticated pipeline.
type APIDeliverer struct {
	client Poster
}

func NewAPIDeliverer(client Poster) *APIDeliverer {
	return &APIDeliverer{client: client}
}

func (d *APIDeliverer) Deliver(ctx context.Context, a domain.Activity) error {
	return d.client.Post(ctx, ActivitiesPath, a, nil)
}
