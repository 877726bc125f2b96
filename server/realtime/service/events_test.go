package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"realtime_server/server/realtime/domain"
)

func TestDirectMessage(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	u2 := connect(t, m, "u2", domain.RoleEmployee, "c1")

	mustEmit(t, m, u1, domain.EventDirectMessage, map[string]any{
		"targetUserId": "u2",
		"message":      map[string]string{"text": "hello"},
	})

	if msgs := drain(t, u1); len(msgs) != 0 {
		t.Fatalf("sender received %+v", msgs)
	}
	msgs := drain(t, u2)
	if len(msgs) != 1 || msgs[0].Type != domain.EventDirectMessage {
		t.Fatalf("recipient received %+v", msgs)
	}
	if msgs[0].UserID != "u1" || msgs[0].CompanyID != "c1" {
		t.Fatalf("envelope provenance = %q/%q", msgs[0].UserID, msgs[0].CompanyID)
	}
	var dm domain.DirectMessage
	if err := json.Unmarshal(msgs[0].Data, &dm); err != nil {
		t.Fatalf("decode direct message: %v", err)
	}
	if dm.From.UserID != "u1" || dm.From.Role != domain.RoleEmployee {
		t.Fatalf("from = %+v", dm.From)
	}
	if string(dm.Message) != `{"text":"hello"}` {
		t.Fatalf("message = %s", dm.Message)
	}
	if !dm.Timestamp.Equal(testNow) {
		t.Fatalf("timestamp = %v", dm.Timestamp)
	}
}

func TestDirectMessageToOfflineUserIsDropped(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")

	if err := emit(t, m, u1, domain.EventDirectMessage, map[string]any{"targetUserId": "ghost", "message": "hi"}); err != nil {
		t.Fatalf("offline target should not error: %v", err)
	}
	if msgs := drain(t, u1); len(msgs) != 0 {
		t.Fatalf("sender received %+v", msgs)
	}
}

func TestDirectMessageCrossesCompanies(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	u2 := connect(t, m, "u2", domain.RoleClient, "c9")

	mustEmit(t, m, u1, domain.EventDirectMessage, map[string]any{"targetUserId": "u2", "message": "hi"})
	if msgs := drain(t, u2); len(msgs) != 1 {
		t.Fatalf("recipient in another company received %d messages, want 1", len(msgs))
	}
}

func TestCursorMove(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	u2 := connect(t, m, "u2", domain.RoleEmployee, "c1")
	mustEmit(t, m, u1, domain.EventJoinRoom, map[string]string{"roomId": "document:doc42"})
	mustEmit(t, m, u2, domain.EventJoinRoom, map[string]string{"roomId": "document:doc42"})

	mustEmit(t, m, u1, domain.EventCursorMove, map[string]any{
		"documentId": "doc42",
		"position":   map[string]int{"line": 3, "ch": 14},
	})

	if msgs := drain(t, u1); len(msgs) != 0 {
		t.Fatalf("sender received its own cursor: %+v", msgs)
	}
	msgs := drain(t, u2)
	if len(msgs) != 1 || msgs[0].Type != domain.EventCursorMoved {
		t.Fatalf("u2 received %+v", msgs)
	}
	var moved domain.CursorMoved
	if err := json.Unmarshal(msgs[0].Data, &moved); err != nil {
		t.Fatalf("decode cursor-moved: %v", err)
	}
	if moved.UserID != "u1" || moved.User.UserID != "u1" {
		t.Fatalf("cursor-moved attribution = %+v", moved)
	}
	if string(moved.Position) != `{"ch":14,"line":3}` {
		t.Fatalf("position = %s", moved.Position)
	}
}

func TestCursorMoveFromNonMemberIsIgnored(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	u2 := connect(t, m, "u2", domain.RoleEmployee, "c1")
	mustEmit(t, m, u2, domain.EventJoinRoom, map[string]string{"roomId": "document:doc42"})

	mustEmit(t, m, u1, domain.EventCursorMove, map[string]any{"documentId": "doc42", "position": 1})

	if msgs := drain(t, u2); len(msgs) != 0 {
		t.Fatalf("member received cursor from non-member: %+v", msgs)
	}
}

func TestCursorMoveReachesSendersOtherConnection(t *testing.T) {
	m := newTestManager(Options{})
	tab1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	tab2 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	mustEmit(t, m, tab1, domain.EventJoinRoom, map[string]string{"roomId": "document:d"})
	mustEmit(t, m, tab2, domain.EventJoinRoom, map[string]string{"roomId": "document:d"})

	mustEmit(t, m, tab1, domain.EventCursorMove, map[string]any{"documentId": "d", "position": 7})

	if msgs := drain(t, tab1); len(msgs) != 0 {
		t.Fatalf("sending connection received %+v", msgs)
	}
	if msgs := drain(t, tab2); len(msgs) != 1 {
		t.Fatalf("other connection of the sender received %d messages, want 1", len(msgs))
	}
}

func TestDocumentUpdate(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	u2 := connect(t, m, "u2", domain.RoleEmployee, "c1")
	u3 := connect(t, m, "u3", domain.RoleEmployee, "c1")
	mustEmit(t, m, u1, domain.EventJoinRoom, map[string]string{"roomId": "document:d1"})
	mustEmit(t, m, u2, domain.EventJoinRoom, map[string]string{"roomId": "document:d1"})

	mustEmit(t, m, u1, domain.EventDocumentUpdate, map[string]any{"documentId": "d1", "ops": []string{"insert"}})

	if msgs := drain(t, u1); len(msgs) != 0 {
		t.Fatalf("sender received %+v", msgs)
	}
	if msgs := drain(t, u3); len(msgs) != 0 {
		t.Fatalf("non-member received %+v", msgs)
	}
	msgs := drain(t, u2)
	if len(msgs) != 1 || msgs[0].Type != domain.EventDocumentUpdated || msgs[0].UserID != "u1" {
		t.Fatalf("u2 received %+v", msgs)
	}
	if string(msgs[0].Data) != `{"documentId":"d1","ops":["insert"]}` {
		t.Fatalf("document payload = %s", msgs[0].Data)
	}
}

func TestDocumentAndCursorForwardMetadata(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	u2 := connect(t, m, "u2", domain.RoleEmployee, "c1")
	mustEmit(t, m, u1, domain.EventJoinRoom, map[string]string{"roomId": "document:d1"})
	mustEmit(t, m, u2, domain.EventJoinRoom, map[string]string{"roomId": "document:d1"})
	ctx := context.Background()

	raw := []string{
		`{"type":"document-update","data":{"documentId":"d1"},"metadata":{"revision":7,"clientSeq":"a1"}}`,
		`{"type":"cursor-move","data":{"documentId":"d1","position":3},"metadata":{"revision":7,"clientSeq":"a1"}}`,
		`{"type":"cursor-move","data":{"documentId":"d1","position":4}}`,
	}
	for _, r := range raw {
		if err := m.HandleEvent(ctx, u1, []byte(r)); err != nil {
			t.Fatalf("HandleEvent(%s): %v", r, err)
		}
	}

	msgs := drain(t, u2)
	if len(msgs) != 3 {
		t.Fatalf("u2 received %d messages, want 3", len(msgs))
	}
	want := map[string]any{"revision": float64(7), "clientSeq": "a1"}
	for i, msg := range msgs[:2] {
		if !reflect.DeepEqual(msg.Metadata, want) {
			t.Fatalf("message %d (%s) metadata = %v, want %v", i, msg.Type, msg.Metadata, want)
		}
	}
	if msgs[2].Metadata != nil {
		t.Fatalf("metadata without inbound metadata = %v", msgs[2].Metadata)
	}
}

func TestPresenceUpdate(t *testing.T) {
	m := newTestManager(Options{})
	u1 := connect(t, m, "u1", domain.RoleEmployee, "c1")
	u2 := connect(t, m, "u2", domain.RoleEmployee, "c1")
	other := connect(t, m, "u3", domain.RoleEmployee, "c2")

	mustEmit(t, m, u1, domain.EventPresenceUpdate, map[string]string{"status": "busy"})

	for name, c := range map[string]*Client{"u1": u1, "u2": u2} {
		msgs := drain(t, c)
		if len(msgs) != 1 || msgs[0].Type != domain.EventUserPresence {
			t.Fatalf("%s received %+v", name, msgs)
		}
		var change domain.PresenceChange
		if err := json.Unmarshal(msgs[0].Data, &change); err != nil {
			t.Fatalf("decode presence: %v", err)
		}
		if change.UserID != "u1" || change.Status != domain.PresenceBusy {
			t.Fatalf("%s presence = %+v", name, change)
		}
	}
	if msgs := drain(t, other); len(msgs) != 0 {
		t.Fatalf("other company received %+v", msgs)
	}
}

func TestPresenceUpdateWithoutCompanyIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestManager(Options{Publisher: pub})
	c := connect(t, m, "u1", domain.RoleClient, "")

	mustEmit(t, m, c, domain.EventPresenceUpdate, map[string]string{"status": "online"})

	if msgs := drain(t, c); len(msgs) != 0 {
		t.Fatalf("received %+v", msgs)
	}
	flushLifecycle(t, m)
	want := []string{domain.LifecycleConnectionOpened, domain.LifecycleConnectionClosed}
	if keys := pub.keys(); !reflect.DeepEqual(keys, want) {
		t.Fatalf("published %v, want %v", keys, want)
	}
}

func TestHandleEventRejectsBadInput(t *testing.T) {
	m := newTestManager(Options{})
	c := connect(t, m, "u1", domain.RoleEmployee, "c1")
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"join without data", `{"type":"join-room"}`},
		{"join with wrong data shape", `{"type":"join-room","data":"room"}`},
		{"direct message without target", `{"type":"direct-message","data":{"message":"x"}}`},
		{"unknown presence status", `{"type":"presence-update","data":{"status":"sleeping"}}`},
		{"cursor without document", `{"type":"cursor-move","data":{"position":1}}`},
		{"document update without document", `{"type":"document-update","data":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.HandleEvent(ctx, c, []byte(tc.raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("HandleEvent(%s) error = %v, want ErrMalformedEvent", tc.raw, err)
			}
		})
	}
	if got := m.Stats().TotalConnections; got != 1 {
		t.Fatalf("connection dropped after bad input, TotalConnections = %d", got)
	}
}

func TestHandleEventIgnoresUnknownType(t *testing.T) {
	m := newTestManager(Options{})
	c := connect(t, m, "u1", domain.RoleEmployee, "c1")
	before := m.Stats()

	if err := m.HandleEvent(context.Background(), c, []byte(`{"type":"typing","data":{"x":1}}`)); err != nil {
		t.Fatalf("unknown type returned %v", err)
	}
	if after := m.Stats(); after.TotalRooms != before.TotalRooms {
		t.Fatalf("rooms changed on unknown type")
	}
	if msgs := drain(t, c); len(msgs) != 0 {
		t.Fatalf("received %+v", msgs)
	}
}

func TestHandleEventRateLimit(t *testing.T) {
	now := testNow
	m := newTestManager(Options{Now: func() time.Time { return now }})
	opts := DefaultClientOptions()
	opts.MaxEventsPerSecond = 2
	c := NewClient(domain.Identity{UserID: "u1", Role: domain.RoleEmployee}, nil, opts)
	m.Register(c)

	raw := []byte(`{"type":"leave-room","data":{"roomId":"document:x"}}`)
	for i := 0; i < 2; i++ {
		if err := m.HandleEvent(context.Background(), c, raw); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	if err := m.HandleEvent(context.Background(), c, raw); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third event error = %v, want ErrRateLimited", err)
	}

	now = now.Add(time.Second)
	if err := m.HandleEvent(context.Background(), c, raw); err != nil {
		t.Fatalf("event after window reset: %v", err)
	}
}

func TestReplyError(t *testing.T) {
	m := newTestManager(Options{})
	c := connect(t, m, "u1", domain.RoleEmployee, "c1")

	m.replyError(c, "bad things")

	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Type != domain.EventError || string(msgs[0].Data) != `{"message":"bad things"}` {
		t.Fatalf("error reply = %+v", msgs)
	}
}
