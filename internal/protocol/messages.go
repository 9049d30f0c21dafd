package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/gallery/internal/chat"
	"github.com/ent0n29/gallery/internal/interaction"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl   MessageType = "client_control"
	TypeTurnUpdate      MessageType = "turn_update"
	TypeTurnEnd         MessageType = "turn_end"
	TypeHistorySnapshot MessageType = "history_snapshot"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

// Client control actions.
const (
	ActionGenerate = "generate"
	ActionStop     = "stop"
	ActionReset    = "reset"
	ActionRunAgain = "run_again"
	ActionRecover  = "recover"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported client_control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Text      string      `json:"text,omitempty"`
	ImageRef  string      `json:"image_ref,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// Request returns the chat request carried by a generate or recover action.
func (c ClientControl) Request() interaction.Request {
	return interaction.Request{Text: c.Text, ImageRef: c.ImageRef}
}

// TurnUpdate carries the full coordinator state, so a client that misses
// coalesced updates still renders the latest text.
type TurnUpdate struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       uint64      `json:"seq"`
	State     chat.State  `json:"state"`
}

type TurnEnd struct {
	Type          MessageType         `json:"type"`
	SessionID     string              `json:"session_id"`
	TurnID        string              `json:"turn_id"`
	InteractionID int64               `json:"interaction_id"`
	Outcome       interaction.Outcome `json:"outcome"`
	Stats         *chat.Stats         `json:"stats,omitempty"`
	StatOrder     []chat.Stat         `json:"stat_order,omitempty"`
}

type HistorySnapshot struct {
	Type         MessageType               `json:"type"`
	SessionID    string                    `json:"session_id"`
	Interactions []interaction.Interaction `json:"interactions"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionGenerate, ActionRunAgain, ActionRecover:
			if msg.Text == "" && msg.ImageRef == "" {
				return nil, fmt.Errorf("client_control %s needs text or image_ref", msg.Action)
			}
		case ActionStop, ActionReset:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
