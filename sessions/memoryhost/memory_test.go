package memoryhost

import (
	"testing"

	"github.com/ggoodman/cometd-server-go/sessions"
	"github.com/ggoodman/cometd-server-go/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.Host {
		return New()
	})
}
