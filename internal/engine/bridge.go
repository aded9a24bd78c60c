package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ggoodman/cometd-server-go/backend"
	"github.com/ggoodman/cometd-server-go/bayeux"
)

const (
	errRequestMissing  = "request data key not found"
	errResponseMissing = "response data key not found"
	errInvalidArgs     = "invalid request arguments"
)

// deviceSegment matches a MAC style address used as the last segment of a
// device scoped response channel.
var deviceSegment = regexp.MustCompile(`^[0-9a-fA-F]{2}([:-][0-9a-fA-F]{2}){5}$`)

type slimData struct {
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response"`
	Priority json.RawMessage `json:"priority"`
}

// slimExecute handles /slim/subscribe and /slim/request. A non-nil return is
// a handling error that aborts the batch.
func (e *Engine) slimExecute(ctx context.Context, b *batch, m *bayeux.Message, subscribe bool) *bayeux.Response {
	fail := func(text string) *bayeux.Response {
		return &bayeux.Response{Channel: m.Channel, ClientID: b.clientID, ID: m.ID, Error: text}
	}

	var d slimData
	if len(m.Data) > 0 {
		// Non-object data leaves both keys absent.
		_ = json.Unmarshal(m.Data, &d)
	}
	if isNull(d.Request) {
		return fail(errRequestMissing)
	}
	var response string
	if isNull(d.Response) || json.Unmarshal(d.Response, &response) != nil || response == "" {
		return fail(errResponseMissing)
	}
	deviceID, args, ok := parseRequest(d.Request)
	if !ok {
		return fail(errInvalidArgs)
	}
	if deviceID == "" {
		deviceID = deviceFromChannel(response)
	}

	tok := backend.Token{
		ResponseChannel: response,
		RequestID:       rawID(m.ID),
		Priority:        priorityText(d.Priority, m.Ext),
	}
	res, err := e.exec.Execute(ctx, backend.Command{
		ClientID:  b.clientID,
		DeviceID:  deviceID,
		Args:      args,
		Token:     tok.String(),
		Subscribe: subscribe,
		Callback:  e.onResult,
	})
	if err != nil {
		var se *backend.StatusError
		switch {
		case errors.Is(err, backend.ErrNotDispatchable):
			return fail(errInvalidArgs)
		case errors.As(err, &se):
			return fail(se.Status)
		default:
			e.log.ErrorContext(ctx, "bridge.execute.fail", slog.String("err", err.Error()))
			return fail(err.Error())
		}
	}

	if subscribe || !m.ID.IsNil() {
		b.add(bayeux.Response{Channel: m.Channel, ClientID: b.clientID, Successful: true, ID: m.ID})
	}
	if res == nil || res.Async {
		e.log.DebugContext(ctx, "bridge.execute.async", slog.String("response", response))
		return nil
	}
	if err := e.Deliver(ctx, resultEnvelope(tok, res)); err != nil {
		e.log.ErrorContext(ctx, "bridge.deliver.fail", slog.String("err", err.Error()))
	}
	return nil
}

// slimUnsubscribe records a pending unsubscribe. The backend subscription is
// removed from inside its own next callback.
func (e *Engine) slimUnsubscribe(ctx context.Context, b *batch, m *bayeux.Message) {
	var d struct {
		Unsubscribe string `json:"unsubscribe"`
	}
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &d)
	}
	if d.Unsubscribe != "" {
		e.mu.Lock()
		e.pendingUnsub[d.Unsubscribe] = struct{}{}
		e.mu.Unlock()
		e.log.InfoContext(ctx, "bridge.unsubscribe.pending", slog.String("response", d.Unsubscribe))
	}

	ack := bayeux.Response{Channel: m.Channel, ClientID: b.clientID, Successful: true, ID: m.ID}
	if len(m.Data) > 0 {
		ack.Data = m.Data
	}
	b.add(ack)
}

// onResult is the backend callback for deferred and subscription results.
func (e *Engine) onResult(ctx context.Context, token string, res *backend.Result) {
	tok, err := backend.ParseToken(token)
	if err != nil {
		e.log.ErrorContext(ctx, "bridge.callback.token.fail", slog.String("err", err.Error()))
		e.exec.RemoveCallback(token)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pendingUnsub[tok.ResponseChannel]; ok {
		delete(e.pendingUnsub, tok.ResponseChannel)
		e.exec.RemoveCallback(token)
		e.log.InfoContext(ctx, "bridge.callback.suppressed", slog.String("response", tok.ResponseChannel))
		return
	}
	if res == nil {
		res = &backend.Result{}
	}
	if err := e.deliverLocked(ctx, resultEnvelope(tok, res)); err != nil {
		e.log.ErrorContext(ctx, "bridge.deliver.fail", slog.String("err", err.Error()))
	}
}

// resultEnvelope builds the event published on a response channel.
func resultEnvelope(tok backend.Token, res *backend.Result) bayeux.Response {
	ev := bayeux.Response{
		Channel:    tok.ResponseChannel,
		Successful: res.Error == "",
		Error:      res.Error,
		Data:       res.Data,
	}
	if tok.RequestID != "" {
		var id bayeux.MessageID
		if err := json.Unmarshal([]byte(tok.RequestID), &id); err == nil && !id.IsNil() {
			ev.ID = &id
		}
	}
	if tok.Priority != "" {
		ev.Ext = &bayeux.Ext{Priority: json.RawMessage(tok.Priority)}
	}
	return ev
}

// parseRequest accepts [deviceId, [args...]] or a bare [args...].
func parseRequest(raw json.RawMessage) (deviceID string, args []string, ok bool) {
	var outer []json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return "", nil, false
	}
	if len(outer) == 2 && startsWith(outer[1], '[') && !startsWith(outer[0], '[') {
		if !isNull(outer[0]) && json.Unmarshal(outer[0], &deviceID) != nil {
			return "", nil, false
		}
		var inner []json.RawMessage
		if err := json.Unmarshal(outer[1], &inner); err != nil {
			return "", nil, false
		}
		args, ok = stringArgs(inner)
		return deviceID, args, ok
	}
	args, ok = stringArgs(outer)
	return "", args, ok
}

// stringArgs flattens scalars to text. Strings are unquoted and other scalars
// keep their JSON form; nested values are rejected.
func stringArgs(elems []json.RawMessage) ([]string, bool) {
	out := make([]string, 0, len(elems))
	for _, el := range elems {
		el = bytes.TrimSpace(el)
		switch {
		case isNull(el):
			out = append(out, "")
		case startsWith(el, '"'):
			var s string
			if err := json.Unmarshal(el, &s); err != nil {
				return nil, false
			}
			out = append(out, s)
		case startsWith(el, '[') || startsWith(el, '{'):
			return nil, false
		default:
			out = append(out, string(el))
		}
	}
	return out, true
}

// deviceFromChannel returns the trailing MAC style segment of a response
// channel, or "".
func deviceFromChannel(channel string) string {
	i := strings.LastIndexByte(channel, '/')
	seg := channel[i+1:]
	if deviceSegment.MatchString(seg) {
		return seg
	}
	return ""
}

// priorityText prefers data.priority and falls back to ext.priority.
func priorityText(data json.RawMessage, ext json.RawMessage) string {
	if !isNull(data) {
		return compact(data)
	}
	var x bayeux.Ext
	if len(ext) > 0 && json.Unmarshal(ext, &x) == nil && !isNull(x.Priority) {
		return compact(x.Priority)
	}
	return ""
}

func rawID(id *bayeux.MessageID) string {
	if id.IsNil() {
		return ""
	}
	b, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	return string(b)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ""
	}
	return buf.String()
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || string(t) == "null"
}
