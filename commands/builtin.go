package commands

import (
	"context"
	"maps"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ggoodman/cometd-server-go/backend"
)

// maxSleep bounds the sleep command.
const maxSleep = time.Minute

// StatusFunc reports live counters merged into the serverstatus result.
type StatusFunc func(ctx context.Context) map[string]any

// RegisterBuiltins installs the stock command set:
//
//	version                 server version string
//	serverstatus            node id, uptime and the counters from status
//	echo <args...>          returns its arguments and target device
//	sleep <ms>              completes asynchronously after ms milliseconds
//	counter                 current value of a shared counter
//	increment [n]           adds n (default 1) and notifies counter subscribers
func RegisterBuiltins(r *Registry, version string, status StatusFunc) {
	started := time.Now()
	var counter atomic.Int64

	r.Handle("version", func(ctx context.Context, req Request) (any, error) {
		return map[string]any{"version": version}, nil
	})

	r.Handle("serverstatus", func(ctx context.Context, req Request) (any, error) {
		out := map[string]any{
			"node":    r.Node(),
			"version": version,
			"uptime":  int64(time.Since(started).Seconds()),
		}
		if req.DeviceID != "" {
			out["device"] = req.DeviceID
		}
		if status != nil {
			maps.Copy(out, status(ctx))
		}
		return out, nil
	})

	r.Handle("echo", func(ctx context.Context, req Request) (any, error) {
		args := req.Args
		if args == nil {
			args = []string{}
		}
		return map[string]any{"args": args, "device": req.DeviceID}, nil
	})

	r.HandleAsync("sleep", func(ctx context.Context, req Request, complete func(any, error)) {
		if len(req.Args) != 1 {
			complete(nil, backend.Statusf("sleep takes exactly one argument"))
			return
		}
		ms, err := strconv.Atoi(req.Args[0])
		if err != nil || ms < 0 {
			complete(nil, backend.Statusf("invalid duration %q", req.Args[0]))
			return
		}
		d := time.Duration(ms) * time.Millisecond
		if d > maxSleep {
			complete(nil, backend.Statusf("duration %s exceeds %s", d, maxSleep))
			return
		}
		time.AfterFunc(d, func() { complete(map[string]any{"slept": ms}, nil) })
	})

	r.Handle("counter", func(ctx context.Context, req Request) (any, error) {
		return map[string]any{"value": counter.Load()}, nil
	})

	r.Handle("increment", func(ctx context.Context, req Request) (any, error) {
		n := int64(1)
		if len(req.Args) > 0 {
			v, err := strconv.ParseInt(req.Args[0], 10, 64)
			if err != nil {
				return nil, backend.Statusf("invalid increment %q", req.Args[0])
			}
			n = v
		}
		v := counter.Add(n)
		go r.Notify(context.WithoutCancel(ctx), "counter")
		return map[string]any{"value": v}, nil
	})
}
