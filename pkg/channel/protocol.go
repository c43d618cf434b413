package channel

import (
	"encoding/base64"
	"encoding/json"
)

const (
	EventJoin  = "phx_join"
	EventLeave = "phx_leave"
	EventReply = "phx_reply"

	// server to client
	EventInitStock      = "init_stock"
	EventSyncFromServer = "sync_from_server"

	// client to server
	EventSyncState    = "sync_state"
	EventClientUpdate = "client-update"
	EventInitClient   = "init-client"

	StatusOK    = "ok"
	StatusError = "error"

	// SenderServer marks sync_from_server messages that the server originated itself.
	SenderServer = "server"
)

// Frame is the envelope of every message on the socket.
type Frame struct {
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type ErrorResponse struct {
	Reason string `json:"reason"`
}

type JoinParams struct {
	ClientID string `json:"client_id"`
}

type InitStock struct {
	DBValue   int64  `json:"db_value"`
	DB64State string `json:"db_64_state"`
	Max       int64  `json:"max"`
}

type SyncFromServer struct {
	Value  int64  `json:"value"`
	State  string `json:"state"`
	Sender string `json:"sender"`
}

type SyncState struct {
	Value    int64  `json:"value"`
	B64State string `json:"b64_state"`
	Sender   string `json:"sender"`
}

type ClientUpdate struct {
	Clicks int64 `json:"clicks"`
}

type InitClient struct {
	Clicks *int64 `json:"clicks,omitempty"`
}

type CounterReply struct {
	Counter int64 `json:"counter"`
}

// EncodeState turns an encoded document into its wire form. Empty input stays empty.
func EncodeState(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeState reverses EncodeState. An empty string decodes to nil.
func DecodeState(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func NewReply(ref, topic string, status string, response any) (Frame, error) {
	var raw json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return Frame{}, err
		}
		raw = b
	}
	payload, err := json.Marshal(ReplyPayload{Status: status, Response: raw})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Ref: ref, Topic: topic, Event: EventReply, Payload: payload}, nil
}

func NewMessage(topic, event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Topic: topic, Event: event, Payload: raw}, nil
}
