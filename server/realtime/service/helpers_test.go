package service

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"realtime_server/server/realtime/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(opts Options) *ConnectionManager {
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	return NewConnectionManager(opts)
}

func newTestClient(userID string, role domain.Role, companyID string) *Client {
	opts := DefaultClientOptions()
	opts.MaxEventsPerSecond = 0
	return NewClient(domain.Identity{
		UserID:    userID,
		Email:     userID + "@example.com",
		Role:      role,
		CompanyID: companyID,
	}, nil, opts)
}

func connect(t *testing.T, m *ConnectionManager, userID string, role domain.Role, companyID string) *Client {
	t.Helper()
	c := newTestClient(userID, role, companyID)
	if !m.Register(c) {
		t.Fatalf("Register(%s) returned false", userID)
	}
	return c
}

// received is the client-side view of an Envelope.
type received struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId"`
	CompanyID string          `json:"companyId"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata"`
}

// drain returns every message queued for c without blocking.
func drain(t *testing.T, c *Client) []received {
	t.Helper()
	var out []received
	for {
		select {
		case payload := <-c.send:
			var r received
			if err := json.Unmarshal(payload, &r); err != nil {
				t.Fatalf("decode queued message %s: %v", payload, err)
			}
			out = append(out, r)
		default:
			return out
		}
	}
}

func emit(t *testing.T, m *ConnectionManager, c *Client, eventType string, data any) error {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		t.Fatalf("marshal inbound event: %v", err)
	}
	return m.HandleEvent(context.Background(), c, raw)
}

func mustEmit(t *testing.T, m *ConnectionManager, c *Client, eventType string, data any) {
	t.Helper()
	if err := emit(t, m, c, eventType, data); err != nil {
		t.Fatalf("HandleEvent(%s) failed: %v", eventType, err)
	}
}

func assertMembers(t *testing.T, m *ConnectionManager, roomID string, want ...string) {
	t.Helper()
	got := m.RoomMembers(roomID)
	if len(want) == 0 {
		if got != nil {
			t.Errorf("room %q members = %v, want room absent", roomID, got)
		}
		return
	}
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("room %q members = %v, want %v", roomID, got, want)
	}
}

type recordedPublish struct {
	scope string
	key   string
	event domain.LifecycleEvent
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedPublish
}

func (p *fakePublisher) Publish(_ context.Context, scope, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, _ := payload.(domain.LifecycleEvent)
	p.events = append(p.events, recordedPublish{scope: scope, key: key, event: ev})
	return nil
}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.key)
	}
	return keys
}

// blockingPublisher holds every Publish until release is closed or ctx ends.
type blockingPublisher struct {
	release chan struct{}

	mu        sync.Mutex
	published int
}

func (p *blockingPublisher) Publish(ctx context.Context, _, _ string, _ any) error {
	select {
	case <-p.release:
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// flushLifecycle shuts m down and waits for queued lifecycle events.
func flushLifecycle(t *testing.T, m *ConnectionManager) {
	t.Helper()
	m.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.FlushLifecycle(ctx); err != nil {
		t.Fatalf("FlushLifecycle: %v", err)
	}
}

type fakeProjects map[string][]string

func (f fakeProjects) IsMember(_ context.Context, userID, projectID string) (bool, error) {
	for _, member := range f[projectID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}
