package gateway

import (
	"encoding/json"
)

// Action is the canonical verb a webhook event maps to.
type Action string

const (
	ActionAuthorized   Action = "authorized"
	ActionFailed       Action = "failed"
	ActionCanceled     Action = "canceled"
	ActionCaptured     Action = "captured"
	ActionNotSupported Action = "not_supported"
)

// WebhookEvent is the normalised representation of an inbound gateway
// notification. Unsupported, malformed and spoofed events all map to
// ActionNotSupported so the webhook endpoint can always acknowledge receipt.
type WebhookEvent struct {
	Gateway       string
	EventType     string
	Action        Action
	OrderID       string
	TransactionID string
	Payload       map[string]any
}

// coerceBody accepts a webhook payload delivered as text, binary or an
// already-parsed structure. It returns the raw bytes when they exist (needed
// for signature checks) and the parsed map. A nil map with ok=false means the
// payload was unusable.
func coerceBody(body any) (raw []byte, parsed map[string]any, ok bool) {
	switch v := body.(type) {
	case nil:
		return nil, nil, false
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case json.RawMessage:
		raw = []byte(v)
	case map[string]any:
		return nil, v, true
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, nil, false
		}
		raw = encoded
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw, nil, false
	}
	return raw, m, true
}

// stringField digs a string out of a nested map without failing the whole
// operation on a missing or mistyped field.
func stringField(m map[string]any, path ...string) string {
	current := m
	for i, key := range path {
		if current == nil {
			return ""
		}
		if i == len(path)-1 {
			switch v := current[key].(type) {
			case string:
				return v
			case json.Number:
				return v.String()
			case float64:
				return json.Number(trimFloat(v)).String()
			default:
				return ""
			}
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return ""
		}
		current = next
	}
	return ""
}

func trimFloat(f float64) string {
	d, _ := json.Marshal(f)
	return string(d)
}
