package model

import "time"

// SignalKind discriminates the variants of ControlSignal. Go has no sum
// types, so we follow the teacher's EventKind/Eventer convention: a small
// closed set of int16 tags plus a struct wide enough to carry any
// variant's payload.
type SignalKind int16

const (
	// [ZERO_VALUE_GUARD] start from 1, zero is never a valid signal.
	SignalShutdown SignalKind = iota + 1
	SignalAddChat
	SignalRemoveChat
	SignalError
	SignalInvitation
)

func (k SignalKind) String() string {
	switch k {
	case SignalShutdown:
		return "Shutdown"
	case SignalAddChat:
		return "AddChat"
	case SignalRemoveChat:
		return "RemoveChat"
	case SignalError:
		return "Error"
	case SignalInvitation:
		return "Invitation"
	default:
		return "Unknown"
	}
}

// ControlSignal is the sum type pushed into a connection's internal
// control channel, either by the connection's own reader (reacting to a
// transport failure) or by business logic reaching in through the
// PresenceRegistry. Exactly one of ChatID/Reason/Invitation is meaningful,
// selected by Kind.
type ControlSignal struct {
	Kind       SignalKind
	ChatID     int64
	Reason     string
	Invitation *InvitationPayload
}

// NewShutdownSignal builds the signal the connection actor sends to
// itself to trigger coordinated teardown.
func NewShutdownSignal() ControlSignal {
	return ControlSignal{Kind: SignalShutdown}
}

// NewAddChatSignal notifies a connection that it has been made a member of
// ChatID and should start receiving that chat's broadcasts.
func NewAddChatSignal(chatID int64) ControlSignal {
	return ControlSignal{Kind: SignalAddChat, ChatID: chatID}
}

// NewRemoveChatSignal notifies a connection that it must stop receiving
// broadcasts for ChatID — its membership invalidates any cached
// authorization for that chat.
func NewRemoveChatSignal(chatID int64) ControlSignal {
	return ControlSignal{Kind: SignalRemoveChat, ChatID: chatID}
}

// NewErrorSignal carries a short, human-readable rejection reason back to
// the offending connection. The connection is never torn down for this.
func NewErrorSignal(reason string) ControlSignal {
	return ControlSignal{Kind: SignalError, Reason: reason}
}

// NewInvitationSignal wraps a business-layer invitation notification for
// delivery to every live connection of the invitee.
func NewInvitationSignal(inv *InvitationPayload) ControlSignal {
	return ControlSignal{Kind: SignalInvitation, Invitation: inv}
}

// InvitationPayload is the enriched invitation notification pushed by
// business services through PresenceRegistry.Signal. The core never
// constructs one itself; it only transports and encodes it.
type InvitationPayload struct {
	InviteID  int64          `json:"invite_id"`
	State     string         `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	Inviter   InvitationPeer `json:"inviter"`
	Chat      InvitationChat `json:"chat"`
}

type InvitationPeer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type InvitationChat struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}
