package memoryhost

import (
	"context"
	"sort"
	"sync"

	"github.com/ggoodman/cometd-server-go/bayeux"
	"github.com/ggoodman/cometd-server-go/sessions"
)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu      sync.RWMutex
	clients map[string]*clientData
}

type clientData struct {
	subs  map[string]struct{}
	queue [][]byte
}

func New() *Host {
	return &Host{clients: make(map[string]*clientData)}
}

func (h *Host) Register(ctx context.Context, clientID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok {
		h.clients[clientID] = &clientData{subs: make(map[string]struct{})}
	}
	return nil
}

func (h *Host) Exists(ctx context.Context, clientID string) (bool, error) {
	h.mu.RLock()
	_, ok := h.clients[clientID]
	h.mu.RUnlock()
	return ok, nil
}

func (h *Host) Delete(ctx context.Context, clientID string) error {
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
	return nil
}

func (h *Host) Clients(ctx context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out, nil
}

// --- Subscriptions ---

func (h *Host) Subscribe(ctx context.Context, clientID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cd, ok := h.clients[clientID]
	if !ok {
		return sessions.ErrClientNotFound
	}
	cd.subs[channel] = struct{}{}
	return nil
}

func (h *Host) Unsubscribe(ctx context.Context, clientID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cd, ok := h.clients[clientID]
	if !ok {
		return sessions.ErrClientNotFound
	}
	delete(cd.subs, channel)
	return nil
}

func (h *Host) Subscriptions(ctx context.Context, clientID string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cd, ok := h.clients[clientID]
	if !ok {
		return nil, sessions.ErrClientNotFound
	}
	out := make([]string, 0, len(cd.subs))
	for s := range cd.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (h *Host) Subscribers(ctx context.Context, channel string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for id, cd := range h.clients {
		for pattern := range cd.subs {
			if bayeux.Match(pattern, channel) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- Queues ---

func (h *Host) Enqueue(ctx context.Context, clientID string, event []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cd, ok := h.clients[clientID]
	if !ok {
		return sessions.ErrClientNotFound
	}
	cd.queue = append(cd.queue, append([]byte(nil), event...))
	return nil
}

func (h *Host) Drain(ctx context.Context, clientID string) ([][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cd, ok := h.clients[clientID]
	if !ok {
		return nil, sessions.ErrClientNotFound
	}
	out := cd.queue
	cd.queue = nil
	return out, nil
}

// Interface compliance
var _ sessions.Host = (*Host)(nil)
