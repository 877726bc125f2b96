package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	commonlog "realtime_server/server/common/log"
	"realtime_server/server/realtime/domain"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// HandleEvent processes one raw inbound message from client. Unknown event types
// are ignored. The returned error is meant for the sender; the connection stays
// open either way.
func (m *ConnectionManager) HandleEvent(ctx context.Context, client *Client, raw []byte) error {
	if !client.limiter.Allow(m.now()) {
		return ErrRateLimited
	}
	var ev domain.InboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	inboundEvents.WithLabelValues(inboundLabel(ev.Type)).Inc()

	switch ev.Type {
	case domain.EventJoinRoom:
		var p domain.RoomPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return err
		}
		roomID := strings.TrimSpace(p.RoomID)
		if ok, reason := m.joinRoom(ctx, client, roomID); !ok {
			env := m.envelope(domain.EventJoinRoomDenied, domain.JoinDenied{RoomID: roomID, Reason: reason})
			m.fanout([]*Client{client}, env)
		}
		return nil

	case domain.EventLeaveRoom:
		var p domain.RoomPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return err
		}
		m.leaveRoom(client, strings.TrimSpace(p.RoomID))
		return nil

	case domain.EventDirectMessage:
		return m.handleDirectMessage(client, ev)

	case domain.EventPresenceUpdate:
		return m.handlePresence(client, ev)

	case domain.EventDocumentUpdate:
		var p domain.DocumentPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return err
		}
		if p.DocumentID == "" {
			return fmt.Errorf("%w: documentId is required", ErrMalformedEvent)
		}
		env := m.senderEnvelope(client, domain.EventDocumentUpdated, ev.Data)
		env.Metadata = ev.Metadata
		m.broadcastFromMember(client, DocumentRoom(p.DocumentID), env)
		return nil

	case domain.EventCursorMove:
		var p domain.CursorMovePayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return err
		}
		if p.DocumentID == "" {
			return fmt.Errorf("%w: documentId is required", ErrMalformedEvent)
		}
		env := m.senderEnvelope(client, domain.EventCursorMoved, domain.CursorMoved{
			UserID:   client.Identity.UserID,
			Position: p.Position,
			User:     client.Identity,
		})
		env.Metadata = ev.Metadata
		m.broadcastFromMember(client, DocumentRoom(p.DocumentID), env)
		return nil

	default:
		commonlog.Debugf("event=realtime_event action=ignore type=%q connection_id=%s", ev.Type, client.ID())
		return nil
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: data is required", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func (m *ConnectionManager) senderEnvelope(client *Client, event string, data any) domain.Envelope {
	env := m.envelope(event, data)
	env.UserID = client.Identity.UserID
	env.CompanyID = client.Identity.CompanyID
	return env
}

func (m *ConnectionManager) handleDirectMessage(client *Client, ev domain.InboundEvent) error {
	var p domain.DirectMessagePayload
	if err := decodePayload(ev.Data, &p); err != nil {
		return err
	}
	target := strings.TrimSpace(p.TargetUserID)
	if target == "" {
		return fmt.Errorf("%w: targetUserId is required", ErrMalformedEvent)
	}
	now := m.now().UTC()
	env := m.senderEnvelope(client, domain.EventDirectMessage, domain.DirectMessage{
		From:      client.Identity,
		Message:   p.Message,
		Timestamp: now,
	})
	if !m.sendEnvelopeToUser(target, env) {
		commonlog.Debugf("event=realtime_event action=direct_message status=offline from_user_id=%s to_user_id=%s", client.Identity.UserID, target)
	}
	return nil
}

func (m *ConnectionManager) handlePresence(client *Client, ev domain.InboundEvent) error {
	var p domain.PresencePayload
	if err := decodePayload(ev.Data, &p); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown presence status %q", ErrMalformedEvent, p.Status)
	}
	if !client.Identity.HasCompany() {
		return nil
	}
	env := m.senderEnvelope(client, domain.EventUserPresence, domain.PresenceChange{
		UserID:    client.Identity.UserID,
		Status:    p.Status,
		Timestamp: m.now().UTC(),
	})
	m.broadcastEnvelope(CompanyRoom(client.Identity.CompanyID), env, nil)
	m.publishLifecycle(domain.LifecyclePresenceUpdated, client.Identity, p.Status)
	return nil
}

// broadcastFromMember fans env out to roomID, excluding the sending connection,
// only if that connection is subscribed to the room.
func (m *ConnectionManager) broadcastFromMember(client *Client, roomID string, env domain.Envelope) {
	if !m.subscribed(client, roomID) {
		commonlog.Debugf("event=realtime_event action=broadcast status=not_member type=%s room_id=%s connection_id=%s", env.Type, roomID, client.ID())
		return
	}
	self := client.ID()
	m.broadcastEnvelope(roomID, env, func(_, connectionID string) bool { return connectionID == self })
}
