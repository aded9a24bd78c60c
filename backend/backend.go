// Package backend describes the command system the cometd engine bridges to.
//
// The engine turns /slim/subscribe and /slim/request envelopes into Command
// values and hands them to an Executor. An Executor answers synchronously or
// defers completion and reports later through the command's Callback. Each
// command carries a correlation token as a plain string; the engine encodes
// a Token into it and decodes it again when a callback arrives.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotDispatchable is returned by Execute when the command is malformed or
// unknown to the backend.
var ErrNotDispatchable = errors.New("command not dispatchable")

// StatusError is returned by Execute when the backend accepted the command
// shape but refused to run it. Status is surfaced to the client verbatim.
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string { return e.Status }

// Statusf builds a StatusError with a formatted status text.
func Statusf(format string, args ...any) *StatusError {
	return &StatusError{Status: fmt.Sprintf(format, args...)}
}

// Result is the outcome of a command.
type Result struct {
	// Async is set when completion was deferred; Data is empty and the
	// command's Callback fires once the work is done.
	Async bool
	// Data is the result payload, JSON encodable.
	Data any
	// Error carries a failure text for deferred results that did not succeed.
	Error string
}

// Callback receives deferred results and, for subscriptions, every later
// update. The token is the value passed in Command.Token.
type Callback func(ctx context.Context, token string, res *Result)

// Command is one invocation request.
type Command struct {
	// ClientID owns the callback; RemoveClient drops everything it owns.
	ClientID string
	// DeviceID optionally targets a device.
	DeviceID string
	// Args holds the command name followed by its arguments.
	Args []string
	// Token is returned unchanged with every callback for this command.
	Token string
	// Subscribe asks the backend to keep the callback and re-run the command
	// whenever its data changes.
	Subscribe bool
	// Callback receives deferred and subscription results.
	Callback Callback
}

// Executor runs commands.
type Executor interface {
	// Execute runs cmd. It never invokes cmd.Callback before returning.
	Execute(ctx context.Context, cmd Command) (*Result, error)
	// RemoveCallback deregisters the callback registered under token. It is
	// safe to call from inside that callback.
	RemoveCallback(token string)
	// RemoveClient deregisters every callback owned by clientID.
	RemoveClient(clientID string)
}

// Token correlates a backend callback with the envelope that caused it.
type Token struct {
	ResponseChannel string
	RequestID       string
	// Priority is the raw JSON text of the client supplied priority.
	Priority string
}

const tokenSep = "|"

// String encodes the token for the untyped Command.Token field.
func (t Token) String() string {
	return url.QueryEscape(t.ResponseChannel) + tokenSep +
		url.QueryEscape(t.RequestID) + tokenSep +
		url.QueryEscape(t.Priority)
}

// ParseToken decodes a string produced by Token.String.
func ParseToken(s string) (Token, error) {
	parts := strings.Split(s, tokenSep)
	if len(parts) != 3 {
		return Token{}, fmt.Errorf("malformed correlation token %q", s)
	}
	var out [3]string
	for i, p := range parts {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return Token{}, fmt.Errorf("malformed correlation token %q: %w", s, err)
		}
		out[i] = v
	}
	return Token{ResponseChannel: out[0], RequestID: out[1], Priority: out[2]}, nil
}
