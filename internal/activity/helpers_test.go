package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/martinbuergi/summit-portal-claude/internal/api"
	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/internal/portaltest"
	"github.com/martinbuergi/summit-portal-claude/internal/session"
	"github.com/martinbuergi/summit-portal-claude/internal/storage"
	"github.com/martinbuergi/summit-portal-claude/pkg/httpclient"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

const testUserAgent = "summit-agent/test"

type fakeAuth struct{ on atomic.Bool }

func signedIn() *fakeAuth {
	a := &fakeAuth{}
	a.on.Store(true)
	return a
}

func (a *fakeAuth) IsAuthenticated() bool { return a.on.Load() }

// recorder is a Deliverer that keeps what it accepted. fail, when set,
// decides the fate of the n-th (1-based) call.
type recorder struct {
	mu    sync.Mutex
	got   []domain.Activity
	calls atomic.Int64
	fail  func(n int64, a domain.Activity) error
	delay time.Duration
}

func (r *recorder) Deliver(_ context.Context, a domain.Activity) error {
	n := r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.fail != nil {
		if err := r.fail(n, a); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.got = append(r.got, a)
	r.mu.Unlock()
	return nil
}

func (r *recorder) accepted() []domain.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Activity(nil), r.got...)
}

func (r *recorder) countType(typ string) int {
	n := 0
	for _, a := range r.accepted() {
		if a.Type == typ {
			n++
		}
	}
	return n
}

type memorySink struct {
	mu  sync.Mutex
	got []DeadLetter
}

func (s *memorySink) DeadLetter(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, dl)
	return nil
}

func (s *memorySink) letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.got...)
}

func newTestQueue(cfg QueueConfig, store storage.Store, d Deliverer, conn Connectivity, sink DeadLetterSink) *Queue {
	return NewQueue(cfg, store, d, conn, sink, logger.Discard())
}

func numbered(n int) domain.Activity {
	return domain.Activity{
		Type:      domain.ActivityPageView,
		Metadata:  map[string]any{"n": n},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// marker reads back the "n" set by numbered. Events that went through
// storage carry it as a JSON number.
func marker(md map[string]any) int {
	switch v := md["n"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

func num(t *testing.T, md map[string]any) int {
	t.Helper()
	n := marker(md)
	require.NotEqual(t, -1, n, "activity has no numeric marker: %v", md)
	return n
}

// stack wires a tracker to the fake backend through the real session
// manager and request pipeline.
type stack struct {
	backend *portaltest.Backend
	manager *session.Manager
	monitor *Monitor
	hub     *InteractionHub
	queue   *Queue
	tracker *Tracker
	dead    *memorySink
}

func newStack(t *testing.T) *stack {
	t.Helper()
	b := portaltest.New(t)
	doer := httpclient.New(httpclient.DefaultConfig())
	store := storage.NewMemoryStore()
	m := session.NewManager(session.Config{AuthTimeout: 5 * time.Second},
		session.NewTokenStore(store, logger.Discard()),
		session.NewHTTPRemote(b.URL(), doer), logger.Discard())
	_, err := m.Login(context.Background(), portaltest.ValidCode, "http://127.0.0.1/auth/callback")
	require.NoError(t, err)

	deliver := NewAPIDeliverer(api.NewClient(b.URL(), doer, m, logger.Discard()))
	mon := NewMonitor(true, logger.Discard())
	hub := NewInteractionHub()
	dead := &memorySink{}
	q := NewQueue(DefaultQueueConfig(), store, deliver, mon, dead, logger.Discard())
	tr := NewTracker(TrackerConfig{UserAgent: testUserAgent}, m, q, deliver, mon, hub, logger.Discard())
	t.Cleanup(tr.Close)

	return &stack{backend: b, manager: m, monitor: mon, hub: hub, queue: q, tracker: tr, dead: dead}
}
