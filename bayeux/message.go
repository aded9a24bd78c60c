package bayeux

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version advertised during handshake.
const Version = "1.0"

// Meta and bridge channels understood by the engine.
const (
	ChannelHandshake   = "/meta/handshake"
	ChannelConnect     = "/meta/connect"
	ChannelReconnect   = "/meta/reconnect"
	ChannelDisconnect  = "/meta/disconnect"
	ChannelSubscribe   = "/meta/subscribe"
	ChannelUnsubscribe = "/meta/unsubscribe"

	ChannelSlimSubscribe   = "/slim/subscribe"
	ChannelSlimUnsubscribe = "/slim/unsubscribe"
	ChannelSlimRequest     = "/slim/request"
)

// Connection types a client may request on connect.
const (
	ConnectionLongPolling = "long-polling"
	ConnectionStreaming   = "streaming"
)

// SupportedConnectionTypes returns the transports offered at handshake.
func SupportedConnectionTypes() []string {
	return []string{ConnectionLongPolling, ConnectionStreaming}
}

// Reconnect is the reconnect strategy carried in advice.
type Reconnect string

const (
	ReconnectRetry     Reconnect = "retry"
	ReconnectHandshake Reconnect = "handshake"
	ReconnectNone      Reconnect = "none"
)

// Advice tells the client how and when to come back.
type Advice struct {
	Reconnect Reconnect `json:"reconnect"`
	// Interval in milliseconds.
	Interval int64 `json:"interval"`
}

// Message is one inbound envelope of a batch.
type Message struct {
	Channel        string          `json:"channel"`
	ClientID       string          `json:"clientId,omitempty"`
	ID             *MessageID      `json:"id,omitempty"`
	ConnectionType string          `json:"connectionType,omitempty"`
	Subscription   Subscription    `json:"subscription,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Ext            json.RawMessage `json:"ext,omitempty"`

	// InvalidClientID is set when clientId was present but not a string.
	InvalidClientID bool `json:"-"`
}

// UnmarshalJSON decodes an envelope field by field. Only a value that is not
// a JSON object fails; fields of the wrong type are dropped so the rest of
// the batch is still processed.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("message must be a JSON object")
	}
	*m = Message{}
	_ = json.Unmarshal(fields["channel"], &m.Channel)
	_ = json.Unmarshal(fields["connectionType"], &m.ConnectionType)
	if raw, ok := fields["clientId"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &m.ClientID); err != nil {
			m.ClientID = ""
			m.InvalidClientID = true
		}
	}
	if raw, ok := fields["id"]; ok && !isNull(raw) {
		var id MessageID
		if err := json.Unmarshal(raw, &id); err == nil {
			m.ID = &id
		}
	}
	if raw, ok := fields["subscription"]; ok && !isNull(raw) {
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err == nil {
			m.Subscription = sub
		}
	}
	if raw, ok := fields["data"]; ok && !isNull(raw) {
		m.Data = raw
	}
	if raw, ok := fields["ext"]; ok && !isNull(raw) {
		m.Ext = raw
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Ext carries extension fields on outbound result envelopes.
type Ext struct {
	Priority json.RawMessage `json:"priority,omitempty"`
}

// Response is one outbound envelope.
type Response struct {
	Channel                  string     `json:"channel,omitempty"`
	ClientID                 string     `json:"clientId,omitempty"`
	Successful               bool       `json:"successful"`
	ID                       *MessageID `json:"id,omitempty"`
	Error                    string     `json:"error,omitempty"`
	Advice                   *Advice    `json:"advice,omitempty"`
	Timestamp                string     `json:"timestamp,omitempty"`
	Subscription             string     `json:"subscription,omitempty"`
	Version                  string     `json:"version,omitempty"`
	MinimumVersion           string     `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string   `json:"supportedConnectionTypes,omitempty"`
	Data                     any        `json:"data,omitempty"`
	Ext                      *Ext       `json:"ext,omitempty"`
}

// Subscription holds the subscription field of a message, which clients send
// either as a single string or as an array of strings.
type Subscription []string

func (s *Subscription) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Subscription{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("subscription must be a string or an array of strings")
	}
	*s = many
	return nil
}

// MessageID is a client supplied envelope id. Clients send strings or numbers;
// the original JSON form is echoed back unchanged.
type MessageID struct {
	value any
}

// String returns the textual form of the id, or "" when absent.
func (id *MessageID) String() string {
	if id == nil || id.value == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// IsNil reports whether no id was supplied.
func (id *MessageID) IsNil() bool {
	return id == nil || id.value == nil
}

func (id *MessageID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}
	return fmt.Errorf("message id must be a string or number, got: %s", string(data))
}
