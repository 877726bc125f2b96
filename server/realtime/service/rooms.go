package service

import (
	"context"
	"strings"

	commonlog "realtime_server/server/common/log"
	"realtime_server/server/realtime/domain"
)

const (
	companyRoomPrefix  = "company:"
	roleRoomPrefix     = "role:"
	userRoomPrefix     = "user:"
	documentRoomPrefix = "document:"
	projectRoomPrefix  = "project:"
	adminRoomPrefix    = "admin:"
)

func CompanyRoom(companyID string) string { return companyRoomPrefix + companyID }
func RoleRoom(role domain.Role) string    { return roleRoomPrefix + string(role) }
func UserRoom(userID string) string       { return userRoomPrefix + userID }
func DocumentRoom(documentID string) string {
	return documentRoomPrefix + documentID
}

// defaultRooms lists the rooms a freshly authenticated connection joins, in order.
func defaultRooms(identity domain.Identity) []string {
	rooms := make([]string, 0, 3)
	if identity.HasCompany() {
		rooms = append(rooms, CompanyRoom(identity.CompanyID))
	}
	rooms = append(rooms, RoleRoom(identity.Role), UserRoom(identity.UserID))
	return rooms
}

// ProjectMembership answers whether a user belongs to a project. Implementations
// live outside the realtime core.
type ProjectMembership interface {
	IsMember(ctx context.Context, userID, projectID string) (bool, error)
}

// Join denial reasons.
const (
	DenyEmptyRoom      = "room id is required"
	DenyAdminOnly      = "admin role required"
	DenyOtherCompany   = "room belongs to another company"
	DenyNotProjectTeam = "not a project member"
	DenyLookupFailed   = "membership lookup failed"
)

// CanJoinRoom decides whether identity may subscribe to roomID. It has no side
// effects; the answer depends only on its arguments (and projects, when set).
func CanJoinRoom(ctx context.Context, identity domain.Identity, roomID string, projects ProjectMembership) (bool, string) {
	switch {
	case roomID == "":
		return false, DenyEmptyRoom
	case strings.HasPrefix(roomID, adminRoomPrefix):
		if identity.Role != domain.RoleAdmin {
			return false, DenyAdminOnly
		}
		return true, ""
	case strings.HasPrefix(roomID, companyRoomPrefix):
		if !identity.HasCompany() || strings.TrimPrefix(roomID, companyRoomPrefix) != identity.CompanyID {
			return false, DenyOtherCompany
		}
		return true, ""
	case strings.HasPrefix(roomID, projectRoomPrefix):
		if projects == nil {
			return true, ""
		}
		projectID := strings.TrimPrefix(roomID, projectRoomPrefix)
		ok, err := projects.IsMember(ctx, identity.UserID, projectID)
		if err != nil {
			commonlog.Warnf("event=room_policy action=project_lookup status=failed user_id=%s project_id=%s error=%v", identity.UserID, projectID, err)
			return false, DenyLookupFailed
		}
		if !ok {
			return false, DenyNotProjectTeam
		}
		return true, ""
	default:
		return true, ""
	}
}

// roomNamespace maps roomID to a bounded label set for metrics.
func roomNamespace(roomID string) string {
	for _, prefix := range []string{companyRoomPrefix, roleRoomPrefix, userRoomPrefix, documentRoomPrefix, projectRoomPrefix, adminRoomPrefix} {
		if strings.HasPrefix(roomID, prefix) {
			return strings.TrimSuffix(prefix, ":")
		}
	}
	return "other"
}
