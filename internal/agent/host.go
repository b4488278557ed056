package agent

import (
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

// Host is the narrow gateway surface the loop consults between iterations.
// The gateway stores its implementation in session metadata under
// sessions.MetaGateway before dispatching a turn, which keeps the agent
// package free of a gateway import.
type Host interface {
	// PendingInterrupt pops the next queued interrupt that should be merged
	// into the running turn (high priority and above). The gateway records
	// the popped message on the session itself.
	PendingInterrupt(sessionKey string) (string, bool)
	// EmitProgress forwards plan/step chatter for batched delivery to the
	// chat. Progress lines are never recorded as assistant turns.
	EmitProgress(sessionKey, text string)
}

// hostFor extracts the gateway back-reference from session metadata.
func hostFor(mgr *sessions.Manager, key string) Host {
	if mgr == nil {
		return nil
	}
	v, ok := mgr.Meta(key, sessions.MetaGateway)
	if !ok {
		return nil
	}
	h, _ := v.(Host)
	return h
}
