package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"realtime_server/server/realtime/domain"
)

type DispatchTarget string

const (
	TargetUser    DispatchTarget = "user"
	TargetRoom    DispatchTarget = "room"
	TargetCompany DispatchTarget = "company"
	TargetRole    DispatchTarget = "role"
	TargetAll     DispatchTarget = "all"
)

var ErrInvalidDispatch = errors.New("invalid dispatch")

// Dispatch is the serializable form of a fan-out call, used by the HTTP API,
// the redis relay and the notification queue.
type Dispatch struct {
	Target        DispatchTarget  `json:"target"`
	ID            string          `json:"id,omitempty"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	ExcludeUserID string          `json:"excludeUserId,omitempty"`
}

func (d Dispatch) Validate() error {
	if strings.TrimSpace(d.Event) == "" {
		return fmt.Errorf("%w: event is required", ErrInvalidDispatch)
	}
	switch d.Target {
	case TargetAll:
		return nil
	case TargetUser, TargetRoom, TargetCompany:
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("%w: id is required for target %q", ErrInvalidDispatch, d.Target)
		}
		return nil
	case TargetRole:
		if !domain.Role(d.ID).Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidDispatch, d.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidDispatch, d.Target)
	}
}

type DispatchResult struct {
	Delivered bool
	Relayed   bool
}

// Dispatcher is implemented by the local ConnectionManager and by Relay.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Dispatch) (DispatchResult, error)
}

// Apply runs d against this process's connections. It reports whether at least
// one connection was targeted.
func (m *ConnectionManager) Apply(d Dispatch) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	var data any
	if len(d.Data) > 0 {
		data = d.Data
	}
	switch d.Target {
	case TargetUser:
		return m.SendToUser(d.ID, d.Event, data), nil
	case TargetRoom:
		return m.BroadcastToRoom(d.ID, d.Event, data, d.ExcludeUserID) > 0, nil
	case TargetCompany:
		return m.BroadcastToCompany(d.ID, d.Event, data) > 0, nil
	case TargetRole:
		return m.BroadcastToRole(domain.Role(d.ID), d.Event, data) > 0, nil
	default:
		return m.BroadcastToAll(d.Event, data) > 0, nil
	}
}

func (m *ConnectionManager) Dispatch(_ context.Context, d Dispatch) (DispatchResult, error) {
	delivered, err := m.Apply(d)
	return DispatchResult{Delivered: delivered}, err
}
