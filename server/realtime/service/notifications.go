package service

import (
	"context"
	"encoding/json"
	"strings"

	commonlog "realtime_server/server/common/log"
)

// NotificationSource delivers raw queue messages; mq.TopicConsumer implements it.
type NotificationSource interface {
	Consume(ctx context.Context, handle func(routingKey string, body []byte)) error
}

// membersChangedKey is the routing key suffix announcing a project team change.
const membersChangedKey = "project.members.changed"

// MembershipInvalidator drops cached project membership answers.
// PGProjectMembership implements it.
type MembershipInvalidator interface {
	Invalidate(projectID string)
}

type membersChanged struct {
	ProjectID string `json:"projectId"`
}

// NotificationIntake applies Dispatch commands published by other services
// (notification delivery, sync signals) to local connections. Messages routed
// with a project.members.changed key invalidate cached project membership.
type NotificationIntake struct {
	source   NotificationSource
	local    *ConnectionManager
	projects MembershipInvalidator
}

// NewNotificationIntake builds an intake; projects may be nil when membership
// is not cached.
func NewNotificationIntake(source NotificationSource, local *ConnectionManager, projects MembershipInvalidator) *NotificationIntake {
	return &NotificationIntake{source: source, local: local, projects: projects}
}

// Run blocks until ctx is done or the source fails.
func (n *NotificationIntake) Run(ctx context.Context) error {
	return n.source.Consume(ctx, n.handle)
}

func (n *NotificationIntake) handle(routingKey string, body []byte) {
	if strings.HasSuffix(routingKey, membersChangedKey) {
		n.invalidateProject(routingKey, body)
		return
	}
	var d Dispatch
	if err := json.Unmarshal(body, &d); err != nil {
		commonlog.Warnf("event=realtime_notifications action=decode status=failed routing_key=%s error=%v", routingKey, err)
		return
	}
	delivered, err := n.local.Apply(d)
	if err != nil {
		commonlog.Warnf("event=realtime_notifications action=apply status=failed routing_key=%s error=%v", routingKey, err)
		return
	}
	commonlog.Debugf("event=realtime_notifications action=apply status=ok routing_key=%s target=%s id=%s delivered=%t", routingKey, d.Target, d.ID, delivered)
}

func (n *NotificationIntake) invalidateProject(routingKey string, body []byte) {
	if n.projects == nil {
		return
	}
	var change membersChanged
	if err := json.Unmarshal(body, &change); err != nil || change.ProjectID == "" {
		commonlog.Warnf("event=realtime_notifications action=invalidate status=rejected routing_key=%s error=%v", routingKey, err)
		return
	}
	n.projects.Invalidate(change.ProjectID)
	commonlog.Debugf("event=realtime_notifications action=invalidate status=ok routing_key=%s project_id=%s", routingKey, change.ProjectID)
}
