package gateway

import (
	"strings"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// Priority orders interrupts delivered to a running turn. Normal interrupts
// wait silently for the turn to finish; high interrupts are merged at the
// agent's next iteration boundary; urgent interrupts additionally cancel the
// in-flight model call.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// stopPhrases is the plain-text table that triggers mid-turn cancellation.
var stopPhrases = map[string]struct{}{
	"stop":   {},
	"cancel": {},
	"取消":     {},
	"停下":     {},
}

// isStopPhrase reports whether msg is a bare text message matching the stop
// table. Matching is case-insensitive on the trimmed text; messages carrying
// media never match.
func isStopPhrase(msg *bus.UnifiedMessage) bool {
	if msg == nil || msg.Type() != bus.TypeText {
		return false
	}
	_, ok := stopPhrases[strings.ToLower(strings.TrimSpace(msg.Content.Text))]
	return ok
}

// InterruptMessage is one queued interrupt: the message, its priority, and
// when it was enqueued. seq breaks ties between interrupts enqueued within
// the same clock tick so drain order stays deterministic.
type InterruptMessage struct {
	Msg      *bus.UnifiedMessage
	Priority Priority
	Enqueued time.Time

	seq uint64
}

// interruptQueue is a max-heap over (priority desc, enqueue time asc) used
// with container/heap. One queue exists per session key, guarded by the
// gateway's mutex.
type interruptQueue []*InterruptMessage

func (q interruptQueue) Len() int { return len(q) }

func (q interruptQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	if !q[i].Enqueued.Equal(q[j].Enqueued) {
		return q[i].Enqueued.Before(q[j].Enqueued)
	}
	return q[i].seq < q[j].seq
}

func (q interruptQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *interruptQueue) Push(x any) { *q = append(*q, x.(*InterruptMessage)) }

func (q *interruptQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
