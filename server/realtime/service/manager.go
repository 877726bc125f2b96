package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	commonlog "realtime_server/server/common/log"
	"realtime_server/server/realtime/domain"
)

type Options struct {
	Projects  ProjectMembership
	Publisher EventPublisher
	Now       func() time.Time
}

// room maps each member user to the connections of that user subscribed to it.
type room struct {
	members map[string]map[string]*Client
}

// ConnectionManager owns the live-connection table, the userId -> connectionId
// reverse index and the room index. All three change together under mu.
type ConnectionManager struct {
	mu        sync.RWMutex
	conns     map[string]*Client
	userConns map[string]string
	rooms     map[string]*room
	closed    bool

	projects  ProjectMembership
	lifecycle *lifecycleQueue
	now       func() time.Time
}

func NewConnectionManager(opts Options) *ConnectionManager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &ConnectionManager{
		conns:     map[string]*Client{},
		userConns: map[string]string{},
		rooms:     map[string]*room{},
		projects:  opts.Projects,
		now:       now,
	}
	if opts.Publisher != nil {
		m.lifecycle = newLifecycleQueue(opts.Publisher)
	}
	return m
}

// Register adds client to every index and joins its default rooms. It returns
// false if the manager is shut down or the connection id is already live.
func (m *ConnectionManager) Register(client *Client) bool {
	id := client.ID()
	userID := client.Identity.UserID

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, exists := m.conns[id]; exists {
		m.mu.Unlock()
		return false
	}
	m.conns[id] = client
	previous, replaced := m.userConns[userID]
	m.userConns[userID] = id
	for _, roomID := range defaultRooms(client.Identity) {
		m.joinLocked(client, roomID)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if replaced {
		commonlog.Infof("event=realtime_manager action=register status=replaced user_id=%s connection_id=%s previous_connection_id=%s", userID, id, previous)
	} else {
		commonlog.Infof("event=realtime_manager action=register status=ok user_id=%s connection_id=%s role=%s company_id=%s", userID, id, client.Identity.Role, client.Identity.CompanyID)
	}
	m.publishLifecycle(domain.LifecycleConnectionOpened, client.Identity, "")
	return true
}

// Unregister removes client from every index. The reverse-index entry is only
// removed while it still points at this connection. Returns false if the client
// was not registered.
func (m *ConnectionManager) Unregister(client *Client) bool {
	id := client.ID()
	userID := client.Identity.UserID

	m.mu.Lock()
	current, ok := m.conns[id]
	if !ok || current != client {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, id)
	if m.userConns[userID] == id {
		delete(m.userConns, userID)
	}
	for roomID := range client.rooms {
		m.leaveLocked(client, roomID)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	commonlog.Infof("event=realtime_manager action=unregister status=ok user_id=%s connection_id=%s", userID, id)
	m.publishLifecycle(domain.LifecycleConnectionClosed, client.Identity, "")
	return true
}

func (m *ConnectionManager) joinLocked(client *Client, roomID string) {
	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{members: map[string]map[string]*Client{}}
		m.rooms[roomID] = r
	}
	userID := client.Identity.UserID
	conns, ok := r.members[userID]
	if !ok {
		conns = map[string]*Client{}
		r.members[userID] = conns
	}
	conns[client.ID()] = client
	client.rooms[roomID] = struct{}{}
}

func (m *ConnectionManager) leaveLocked(client *Client, roomID string) bool {
	delete(client.rooms, roomID)
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	userID := client.Identity.UserID
	conns, ok := r.members[userID]
	if !ok {
		return false
	}
	if _, ok := conns[client.ID()]; !ok {
		return false
	}
	delete(conns, client.ID())
	if len(conns) == 0 {
		delete(r.members, userID)
	}
	if len(r.members) == 0 {
		delete(m.rooms, roomID)
	}
	return true
}

func (m *ConnectionManager) updateGaugesLocked() {
	connectionsGauge.Set(float64(len(m.conns)))
	roomsGauge.Set(float64(len(m.rooms)))
}

// JoinRoom subscribes the connection to roomID if CanJoinRoom allows it.
func (m *ConnectionManager) JoinRoom(ctx context.Context, connectionID, roomID string) (bool, string) {
	client := m.client(connectionID)
	if client == nil {
		return false, "connection not found"
	}
	return m.joinRoom(ctx, client, roomID)
}

func (m *ConnectionManager) joinRoom(ctx context.Context, client *Client, roomID string) (bool, string) {
	allowed, reason := CanJoinRoom(ctx, client.Identity, roomID, m.projects)
	if !allowed {
		joinDenied.WithLabelValues(roomNamespace(roomID)).Inc()
		commonlog.Infof("event=realtime_manager action=join_room status=denied user_id=%s room_id=%s reason=%q", client.Identity.UserID, roomID, reason)
		return false, reason
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[client.ID()] != client {
		return false, "connection closed"
	}
	m.joinLocked(client, roomID)
	m.updateGaugesLocked()
	return true, ""
}

func (m *ConnectionManager) LeaveRoom(connectionID, roomID string) bool {
	client := m.client(connectionID)
	if client == nil {
		return false
	}
	return m.leaveRoom(client, roomID)
}

func (m *ConnectionManager) leaveRoom(client *Client, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[client.ID()] != client {
		return false
	}
	left := m.leaveLocked(client, roomID)
	m.updateGaugesLocked()
	return left
}

func (m *ConnectionManager) client(connectionID string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connectionID]
}

func (m *ConnectionManager) subscribed(client *Client, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := client.rooms[roomID]
	return ok
}

// ConnectionFor returns the connection id the reverse index holds for userID.
func (m *ConnectionManager) ConnectionFor(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.userConns[userID]
	return id, ok
}

// RoomMembers returns the sorted user ids in roomID; nil when the room does not exist.
func (m *ConnectionManager) RoomMembers(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(r.members))
	for userID := range r.members {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

func (m *ConnectionManager) envelope(event string, data any) domain.Envelope {
	return domain.Envelope{Type: event, Data: data, Timestamp: m.now().UTC()}
}

// SendToUser enqueues event for the user's current connection. It returns true
// when a connection was found; delivery itself is not acknowledged.
func (m *ConnectionManager) SendToUser(userID, event string, data any) bool {
	return m.sendEnvelopeToUser(userID, m.envelope(event, data))
}

func (m *ConnectionManager) sendEnvelopeToUser(userID string, env domain.Envelope) bool {
	m.mu.RLock()
	client := m.conns[m.userConns[userID]]
	m.mu.RUnlock()
	if client == nil {
		return false
	}
	payload, err := json.Marshal(env)
	if err != nil {
		commonlog.Errorf("event=realtime_manager action=marshal status=failed type=%s error=%v", env.Type, err)
		return false
	}
	m.deliver(client, payload)
	return true
}

// BroadcastToRoom delivers to every connection subscribed to roomID, skipping all
// connections of excludeUserID when it is set. It returns the number of
// connections targeted.
func (m *ConnectionManager) BroadcastToRoom(roomID, event string, data any, excludeUserID string) int {
	var skip func(userID, connectionID string) bool
	if excludeUserID != "" {
		skip = func(userID, _ string) bool { return userID == excludeUserID }
	}
	return m.broadcastEnvelope(roomID, m.envelope(event, data), skip)
}

func (m *ConnectionManager) BroadcastToCompany(companyID, event string, data any) int {
	if companyID == "" {
		return 0
	}
	return m.BroadcastToRoom(CompanyRoom(companyID), event, data, "")
}

func (m *ConnectionManager) BroadcastToRole(role domain.Role, event string, data any) int {
	return m.BroadcastToRoom(RoleRoom(role), event, data, "")
}

// BroadcastToAll delivers to every live connection regardless of rooms.
func (m *ConnectionManager) BroadcastToAll(event string, data any) int {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.conns))
	for _, client := range m.conns {
		targets = append(targets, client)
	}
	m.mu.RUnlock()
	return m.fanout(targets, m.envelope(event, data))
}

func (m *ConnectionManager) broadcastEnvelope(roomID string, env domain.Envelope, skip func(userID, connectionID string) bool) int {
	m.mu.RLock()
	var targets []*Client
	if r, ok := m.rooms[roomID]; ok {
		for userID, conns := range r.members {
			for connectionID, client := range conns {
				if skip != nil && skip(userID, connectionID) {
					continue
				}
				targets = append(targets, client)
			}
		}
	}
	m.mu.RUnlock()
	return m.fanout(targets, env)
}

func (m *ConnectionManager) fanout(targets []*Client, env domain.Envelope) int {
	if len(targets) == 0 {
		return 0
	}
	payload, err := json.Marshal(env)
	if err != nil {
		commonlog.Errorf("event=realtime_manager action=marshal status=failed type=%s error=%v", env.Type, err)
		return 0
	}
	for _, client := range targets {
		m.deliver(client, payload)
	}
	return len(targets)
}

func (m *ConnectionManager) deliver(client *Client, payload []byte) {
	if client.enqueue(payload) {
		deliveries.Inc()
		return
	}
	droppedMessages.Inc()
	commonlog.Warnf("event=realtime_manager action=deliver status=dropped connection_id=%s user_id=%s", client.ID(), client.Identity.UserID)
}

func (m *ConnectionManager) replyError(client *Client, message string) {
	env := m.envelope(domain.EventError, domain.ErrorPayload{Message: message})
	m.fanout([]*Client{client}, env)
}

// Stats returns a snapshot of the indices.
func (m *ConnectionManager) Stats() domain.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := domain.Stats{
		TotalConnections:  len(m.conns),
		TotalRooms:        len(m.rooms),
		ConnectionsByRole: map[string]int{},
		Rooms:             make(map[string]int, len(m.rooms)),
	}
	for _, client := range m.conns {
		stats.ConnectionsByRole[string(client.Identity.Role)]++
	}
	for roomID, r := range m.rooms {
		stats.Rooms[roomID] = len(r.members)
	}
	return stats
}

// IsHealthy reports whether the manager still accepts connections.
func (m *ConnectionManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Disconnect force-closes one connection and clears it from the indices.
func (m *ConnectionManager) Disconnect(connectionID string) bool {
	client := m.client(connectionID)
	if client == nil {
		return false
	}
	removed := m.Unregister(client)
	client.Close()
	return removed
}

// DisconnectUser force-closes the connection the reverse index holds for userID.
func (m *ConnectionManager) DisconnectUser(userID string) bool {
	connectionID, ok := m.ConnectionFor(userID)
	if !ok {
		return false
	}
	return m.Disconnect(connectionID)
}

// Shutdown rejects new registrations and closes every live connection. Lifecycle
// events for the closed connections are queued; use FlushLifecycle to wait for them.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	clients := make([]*Client, 0, len(m.conns))
	for _, client := range m.conns {
		clients = append(clients, client)
	}
	m.mu.Unlock()

	for _, client := range clients {
		m.Unregister(client)
		client.Close()
	}
	if m.lifecycle != nil {
		m.lifecycle.close()
	}
	commonlog.Infof("event=realtime_manager action=shutdown status=ok closed_connections=%d", len(clients))
}

// FlushLifecycle waits, bounded by ctx, for lifecycle events queued before
// Shutdown to reach the publisher.
func (m *ConnectionManager) FlushLifecycle(ctx context.Context) error {
	if m.lifecycle == nil {
		return nil
	}
	return m.lifecycle.wait(ctx)
}

func (m *ConnectionManager) publishLifecycle(kind string, identity domain.Identity, status domain.PresenceStatus) {
	if m.lifecycle == nil {
		return
	}
	m.lifecycle.push(domain.LifecycleEvent{
		Kind:         kind,
		UserID:       identity.UserID,
		CompanyID:    identity.CompanyID,
		Role:         identity.Role,
		ConnectionID: identity.ConnectionID,
		Status:       status,
		At:           m.now().UTC(),
	})
}
