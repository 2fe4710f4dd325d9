package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:          true,
	TypeSessionPrompt:          true,
	TypeSessionAttach:          true,
	TypeSessionDetach:          true,
	TypeSessionRemove:          true,
	TypeSessionInterrupt:       true,
	TypeSessionInject:          true,
	TypeSessionWatcherInject:   true,
	TypeSessionNavigate:        true,
	TypeSessionRequestStatus:   true,
	TypeSessionRequestOutput:   true,
	TypeSessionSetPendingInput: true,
	TypeSessionList:            true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		hasRole := p.Role != nil || p.Preset != ""
		if p.ParentID != "" && !hasRole {
			return nil, fmt.Errorf("watcher in %s payload needs 'role' or 'preset'", msg.Type)
		}
		if p.ParentID == "" && hasRole {
			return nil, fmt.Errorf("missing required field 'parentId' for watcher in %s payload", msg.Type)
		}
		if p.Role != nil && p.Preset != "" {
			return nil, fmt.Errorf("'role' and 'preset' are exclusive in %s payload", msg.Type)
		}

	case TypeSessionPrompt:
		var p SessionPromptPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "prompt", p.Prompt); err != nil {
			return nil, err
		}

	case TypeSessionAttach:
		var p SessionAttachPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}

	case TypeSessionRemove:
		var p SessionRemovePayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}

	case TypeSessionInject:
		var p SessionInjectPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "message", p.Message); err != nil {
			return nil, err
		}

	case TypeSessionWatcherInject:
		var p WatcherInjectPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "watcherId", p.WatcherID); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "message", p.Message); err != nil {
			return nil, err
		}

	case TypeSessionNavigate:
		var p SessionNavigatePayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		switch p.Direction {
		case DirectionNext, DirectionPrev:
		case DirectionParent:
			if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("invalid direction %q in %s payload", p.Direction, msg.Type)
		}

	case TypeSessionRequestOutput:
		var p RequestOutputPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if p.Limit < 0 {
			return nil, fmt.Errorf("negative 'limit' in %s payload", msg.Type)
		}

	case TypeSessionSetPendingInput:
		var p SetPendingInputPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}

	case TypeSessionDetach, TypeSessionInterrupt, TypeSessionRequestStatus:
		var p SessionIDPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func decode(msg *Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func required(msgType, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
