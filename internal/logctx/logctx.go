package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request, client and message data found on
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(clientDataKey{}).(*ClientData); ok {
		r.AddAttrs(slog.Group("client",
			slog.String("id", cd.ClientID),
			slog.String("transport", cd.Transport),
		))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("msg",
			slog.String("channel", md.Channel),
			slog.String("id", md.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is decorated by Handler. Wrapping an
// already wrapped logger is a no-op.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type clientDataKey struct{}

type ClientData struct {
	ClientID  string
	Transport string
}

func WithClientData(ctx context.Context, data *ClientData) context.Context {
	return context.WithValue(ctx, clientDataKey{}, data)
}

type messageDataKey struct{}

type MessageData struct {
	Channel string
	ID      string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}
