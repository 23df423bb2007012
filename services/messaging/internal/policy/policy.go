// Package policy holds the access rules for conversations. Every function is
// pure: callers pass the conversation and the caller's canonical role.
package policy

import (
	"motochat/pkg/domain"
	"motochat/pkg/store"
)

// Action is an operation on a conversation.
type Action string

const (
	ActionView      Action = "view"
	ActionSend      Action = "send"
	ActionRead      Action = "read"
	ActionJoin      Action = "join"
	ActionTyping    Action = "typing"
	ActionUpload    Action = "upload"
	ActionArchive   Action = "archive"
	ActionUnarchive Action = "unarchive"
	ActionDelete    Action = "delete"
)

// Decision is the outcome of an access check. Reason is set on denial.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// CanAccess evaluates the role rules in order, first match wins:
// admins may do anything; staff may act on any booking conversation or any
// conversation they participate in; customers only on conversations they
// participate in; everything else is denied. Lifecycle actions are then
// narrowed: archive and unarchive need staff or admin, delete needs admin.
func CanAccess(conv domain.Conversation, userID string, role domain.Role, action Action) Decision {
	switch role {
	case domain.RoleAdmin:
		return allow()
	case domain.RoleStaff:
		if conv.Type != domain.ConversationBooking && !conv.HasParticipant(userID) {
			return deny("staff may only access booking conversations or conversations they participate in")
		}
	case domain.RoleCustomer:
		if !conv.HasParticipant(userID) {
			return deny("not a participant")
		}
	default:
		return deny("unknown role")
	}

	switch action {
	case ActionDelete:
		return deny("only admins may delete conversations")
	case ActionArchive, ActionUnarchive:
		if !role.IsStaffOrAdmin() {
			return deny("only staff or admins may change conversation status")
		}
	}
	return allow()
}

// CanCreateDirect reports whether a direct conversation may exist between
// the two roles. Customers never take part in direct conversations.
func CanCreateDirect(requester, target domain.Role) Decision {
	if !requester.IsStaffOrAdmin() {
		return deny("direct conversations are limited to staff and admins")
	}
	if !target.IsStaffOrAdmin() {
		return deny("direct conversation target must be staff or admin")
	}
	return allow()
}

// CanOpenBookingConversation reports whether the caller may get or create the
// conversation of a booking they may or may not own.
func CanOpenBookingConversation(booking domain.Booking, userID string, role domain.Role) Decision {
	switch role {
	case domain.RoleAdmin, domain.RoleStaff:
		return allow()
	case domain.RoleCustomer:
		if booking.OwnerUserID == userID {
			return allow()
		}
		return deny("customers may only open conversations for their own bookings")
	default:
		return deny("unknown role")
	}
}

// CanSearch reports whether the role may search message content.
func CanSearch(role domain.Role) Decision {
	if role.IsStaffOrAdmin() {
		return allow()
	}
	return deny("only staff or admins may search messages")
}

// ListScope selects the role-specific listing query. Admins list the direct
// conversations they participate in, staff additionally every booking
// conversation, customers whatever they participate in.
func ListScope(role domain.Role) (store.ListScope, bool) {
	switch role {
	case domain.RoleAdmin:
		return store.ScopeDirectParticipant, true
	case domain.RoleStaff:
		return store.ScopeStaff, true
	case domain.RoleCustomer:
		return store.ScopeParticipant, true
	default:
		return 0, false
	}
}

// SearchScope bounds message search to the conversations the role can read.
// Admins search everything; staff search what they list.
func SearchScope(role domain.Role) (store.ListScope, bool) {
	if role == domain.RoleAdmin {
		return store.ScopeAll, true
	}
	return ListScope(role)
}
