package activity

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
	"github.com/martinbuergi/summit-portal-claude/pkg/validator"
)

// Outcome is what Track did with an activity.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeQueued  Outcome = "queued"
	OutcomeDropped Outcome = "dropped"
)

const (
	DefaultDirectRate     = rate.Limit(5)
	DefaultDirectBurst    = 10
	DefaultDeliverTimeout = 10 * time.Second

	maxElementText = 100
)

// Authenticator reports whether a user session is active.
// *session.Manager implements it.
type Authenticator interface {
	IsAuthenticated() bool
}

// Page describes the page a view is recorded for.
type Page struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Title    string `json:"title"`
	Referrer string `json:"referrer"`
}

// TrackerConfig tunes direct delivery.
type TrackerConfig struct {
	// UserAgent is recorded on every activity as the client signature.
	UserAgent string
	// DirectRate and DirectBurst throttle direct sends; activities over
	// the limit are queued instead.
	DirectRate     rate.Limit
	DirectBurst    int
	DeliverTimeout time.Duration
}

// Tracker records activities for the signed-in user. It never returns
// errors to callers: a failed delivery is queued, and an activity that
// cannot be tracked at all is logged and dropped.
type Tracker struct {
	auth         Authenticator
	queue        *Queue
	deliver      Deliverer
	conn         Connectivity
	interactions InteractionSource
	limiter      *rate.Limiter
	cfg          TrackerConfig
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	initialized bool
	cancels     []func()
}

// NewTracker creates a tracker. interactions may be nil.
func NewTracker(cfg TrackerConfig, auth Authenticator, queue *Queue, deliver Deliverer, conn Connectivity, interactions InteractionSource, logger *slog.Logger) *Tracker {
	if cfg.DirectRate == 0 {
		cfg.DirectRate = DefaultDirectRate
	}
	if cfg.DirectBurst <= 0 {
		cfg.DirectBurst = DefaultDirectBurst
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}
	return &Tracker{
		auth:         auth,
		queue:        queue,
		deliver:      deliver,
		conn:         conn,
		interactions: interactions,
		limiter:      rate.NewLimiter(cfg.DirectRate, cfg.DirectBurst),
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// Init starts tracking for the current page: it records a page view,
// listens for interactions, drains the queue and drains it again
// whenever connectivity returns. It reports whether the tracker is
// initialized; without a session it does nothing and returns false.
func (t *Tracker) Init(ctx context.Context, page Page) bool {
	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		return true
	}
	if !t.auth.IsAuthenticated() {
		t.mu.Unlock()
		return false
	}
	t.initialized = true
	t.mu.Unlock()

	bg := context.WithoutCancel(ctx)

	t.TrackPageView(ctx, page)

	var cancels []func()
	if t.interactions != nil {
		cancels = append(cancels, t.interactions.OnTrackableInteraction(t.HandleInteraction))
	}
	t.Flush(ctx)
	cancels = append(cancels, t.conn.OnRestored(func() { t.Flush(bg) }))

	t.mu.Lock()
	t.cancels = append(t.cancels, cancels...)
	t.mu.Unlock()
	return true
}

// Initialized reports whether Init has completed since the last Close.
func (t *Tracker) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// Close drops the subscriptions made by Init.
func (t *Tracker) Close() {
	t.mu.Lock()
	cancels := t.cancels
	t.cancels = nil
	t.initialized = false
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Track records an activity of the given type.
func (t *Tracker) Track(ctx context.Context, activityType string, metadata map[string]any) Outcome {
	out := t.track(ctx, activityType, metadata)
	trackedTotal.WithLabelValues(string(out)).Inc()
	return out
}

func (t *Tracker) track(ctx context.Context, activityType string, metadata map[string]any) Outcome {
	log := logger.WithContext(ctx, t.logger)
	if !t.auth.IsAuthenticated() {
		log.DebugContext(ctx, "activity dropped, no session", slog.String("type", activityType))
		return OutcomeDropped
	}

	now := t.now().UTC()
	md := maps.Clone(metadata)
	if md == nil {
		md = make(map[string]any, 2)
	}
	md["timestamp"] = now.Format(time.RFC3339Nano)
	md["userAgent"] = t.cfg.UserAgent

	a := domain.Activity{Type: activityType, Metadata: md, Timestamp: now}
	if err := validator.Validate(a); err != nil {
		log.WarnContext(ctx, "invalid activity dropped",
			slog.String("type", activityType),
			slog.String("error", err.Error()),
		)
		return OutcomeDropped
	}

	if !t.conn.Online() || !t.limiter.Allow() {
		return t.enqueue(ctx, a)
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.DeliverTimeout)
	err := t.deliver.Deliver(dctx, a)
	cancel()
	if err == nil {
		deliveredTotal.WithLabelValues("direct").Inc()
		return OutcomeSent
	}

	log.DebugContext(ctx, "direct delivery failed, queueing",
		slog.String("type", activityType),
		slog.String("code", apperrors.Code(err)),
		slog.String("error", err.Error()),
	)
	return t.enqueue(context.WithoutCancel(ctx), a)
}

func (t *Tracker) enqueue(ctx context.Context, a domain.Activity) Outcome {
	if err := t.queue.Enqueue(ctx, a); err != nil {
		logger.WithContext(ctx, t.logger).ErrorContext(ctx, "failed to queue activity",
			slog.String("type", a.Type),
			slog.String("error", err.Error()),
		)
		return OutcomeDropped
	}
	return OutcomeQueued
}

// Flush drains the queue while a session is active.
func (t *Tracker) Flush(ctx context.Context) FlushResult {
	if !t.auth.IsAuthenticated() {
		return FlushResult{}
	}
	return t.queue.Flush(ctx)
}

// RunFlushLoop flushes every interval until ctx is done.
func (t *Tracker) RunFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.conn.Online() {
				t.Flush(ctx)
			}
		}
	}
}

func (t *Tracker) TrackPageView(ctx context.Context, page Page) Outcome {
	return t.Track(ctx, domain.ActivityPageView, map[string]any{
		"url":      page.URL,
		"path":     page.Path,
		"title":    page.Title,
		"referrer": page.Referrer,
	})
}

// HandleInteraction tracks a link click for anchors with a real href and
// a custom activity for elements carrying a track type. One interaction
// can produce both.
func (t *Tracker) HandleInteraction(ctx context.Context, in Interaction) {
	if strings.EqualFold(in.Tag, "a") && in.Href != "" && !strings.HasPrefix(in.Href, "#") {
		t.Track(ctx, domain.ActivityLinkClick, map[string]any{
			"url":         in.Href,
			"elementId":   nullable(in.ElementID),
			"elementText": elementText(in.Text),
			"pageUrl":     in.PageURL,
		})
	}

	if in.Track != "" {
		md := map[string]any{
			"elementId":   nullable(in.ElementID),
			"elementText": elementText(in.Text),
		}
		maps.Copy(md, in.TrackMeta)
		t.Track(ctx, in.Track, md)
	}
}

// TrackDocumentView starts timing a document view. The returned func
// records the view with its duration; only the first call tracks.
func (t *Tracker) TrackDocumentView(ctx context.Context, documentID, title string) (stop func() Outcome) {
	opened := t.now()

	var once sync.Once
	return func() Outcome {
		out := OutcomeDropped
		once.Do(func() {
			out = t.Track(ctx, domain.ActivityDocumentView, map[string]any{
				"documentId":    documentID,
				"documentTitle": title,
				"durationMs":    t.now().Sub(opened).Milliseconds(),
			})
		})
		return out
	}
}

func (t *Tracker) TrackDocumentDownload(ctx context.Context, documentID, title string) Outcome {
	return t.Track(ctx, domain.ActivityDocumentDownload, map[string]any{
		"documentId":    documentID,
		"documentTitle": title,
	})
}

func (t *Tracker) TrackRoleSwitch(ctx context.Context, fromRole, toRole string) Outcome {
	return t.Track(ctx, domain.ActivityRoleSwitch, map[string]any{
		"fromRole": fromRole,
		"toRole":   toRole,
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// elementText trims s and caps it at maxElementText characters.
func elementText(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxElementText {
		return s
	}
	return string([]rune(s)[:maxElementText])
}
