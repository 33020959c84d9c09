// Package protocol implements the stateless wire codec: JSON decoding of
// inbound client frames and JSON encoding of outbound batches and control
// frames. One frame in, one frame out — the codec holds no state of its
// own, matching the teacher's marshaller packages
// (internal/handler/marshaller/ws in the teacher repo).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/chatrelay/delivery-core/internal/domain/model"
)

// rawInbound mirrors the wire shape of §4.6 exactly before any semantic
// validation runs.
type rawInbound struct {
	ChatID      int64  `json:"chat_id"`
	SenderID    int64  `json:"sender_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	CreatedAt   string `json:"created_at"`
}

// DecodeInbound parses a client frame. It performs no authorization or
// membership checks — those belong to the ingress pipeline — but it does
// reject structurally malformed input and unknown message_type values,
// matching step 1 ("Decode") of the ingress pipeline.
func DecodeInbound(data []byte) (*model.InboundMessage, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	kind, err := parseKind(raw.MessageType)
	if err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	if raw.CreatedAt != "" {
		createdAt, err = time.Parse(time.RFC3339Nano, raw.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("malformed message: bad created_at: %w", err)
		}
	}

	return &model.InboundMessage{
		ChatID:    raw.ChatID,
		SenderID:  raw.SenderID,
		Content:   raw.Content,
		Kind:      kind,
		CreatedAt: createdAt,
	}, nil
}

func parseKind(s string) (model.MessageKind, error) {
	switch s {
	case "UserMessage":
		return model.UserMessage, nil
	case "SystemMessage":
		return model.SystemMessage, nil
	default:
		return 0, fmt.Errorf("malformed message: unknown message_type %q", s)
	}
}

// ValidateContentLength checks the structural bound from §3/§4.4 step 2:
// content must be between MinContentLen and MaxContentLen Unicode code
// points, inclusive.
func ValidateContentLength(content string) error {
	n := utf8.RuneCountInString(content)
	if n < model.MinContentLen || n > model.MaxContentLen {
		return fmt.Errorf("malformed message: content length %d out of bounds [%d,%d]", n, model.MinContentLen, model.MaxContentLen)
	}
	return nil
}

// rawPersisted mirrors the outbound data-frame element shape of §4.6.
type rawPersisted struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	SenderID  *int64 `json:"sender_id"`
	Content   string `json:"content"`
	Kind      string `json:"message_type"`
	CreatedAt string `json:"created_at"`
}

// EncodeBatch serializes a batch of persisted messages as a single JSON
// array frame.
func EncodeBatch(batch []*model.PersistedMessage) ([]byte, error) {
	out := make([]rawPersisted, len(batch))
	for i, m := range batch {
		out[i] = rawPersisted{
			MessageID: m.ID,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Kind:      m.Kind.String(),
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return json.Marshal(out)
}

// addChatFrame / removeChatFrame / errorFrame / invitationFrame give each
// control signal variant the single-key object shape §4.6 specifies —
// "the key name is the discriminator; there is no envelope".
type addChatFrame struct {
	AddChat int64 `json:"AddChat"`
}

type removeChatFrame struct {
	RemoveChat int64 `json:"RemoveChat"`
}

type errorFrame struct {
	Error string `json:"Error"`
}

type invitationFrame struct {
	Invitation *model.InvitationPayload `json:"Invitation"`
}

// EncodeControl serializes one control signal into its wire frame. It is
// the caller's responsibility to never call this with SignalShutdown —
// shutdown never reaches the wire, it only tells the writer to flush and
// close.
func EncodeControl(sig model.ControlSignal) ([]byte, error) {
	switch sig.Kind {
	case model.SignalAddChat:
		return json.Marshal(addChatFrame{AddChat: sig.ChatID})
	case model.SignalRemoveChat:
		return json.Marshal(removeChatFrame{RemoveChat: sig.ChatID})
	case model.SignalError:
		return json.Marshal(errorFrame{Error: sig.Reason})
	case model.SignalInvitation:
		return json.Marshal(invitationFrame{Invitation: sig.Invitation})
	default:
		return nil, fmt.Errorf("protocol: signal kind %s has no wire encoding", sig.Kind)
	}
}
