package gateway

import (
	"container/heap"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// TestInterruptDrainOrder is the queue ordering invariant: whatever the
// enqueue interleaving, interrupts drain by priority descending, then
// enqueue time ascending.
func TestInterruptDrainOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("drained in (priority desc, time asc) order", prop.ForAll(
		func(prios []uint8, offsets []uint8) bool {
			n := len(prios)
			if len(offsets) < n {
				n = len(offsets)
			}
			base := time.Now()
			q := &interruptQueue{}
			for i := 0; i < n; i++ {
				heap.Push(q, &InterruptMessage{
					Priority: Priority(prios[i] % 3),
					Enqueued: base.Add(time.Duration(offsets[i]%50) * time.Millisecond),
					seq:      uint64(i),
				})
			}

			var prev *InterruptMessage
			for q.Len() > 0 {
				cur := heap.Pop(q).(*InterruptMessage)
				if prev != nil {
					if cur.Priority > prev.Priority {
						return false
					}
					if cur.Priority == prev.Priority && cur.Enqueued.Before(prev.Enqueued) {
						return false
					}
				}
				prev = cur
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestInterruptFIFOWithinPriority verifies ties break by enqueue order.
func TestInterruptFIFOWithinPriority(t *testing.T) {
	now := time.Now()
	q := &interruptQueue{}
	for i := 0; i < 5; i++ {
		heap.Push(q, &InterruptMessage{
			Msg:      inbound("m", "chat", "x"),
			Priority: PriorityNormal,
			Enqueued: now,
			seq:      uint64(i),
		})
	}
	for i := 0; i < 5; i++ {
		item := heap.Pop(q).(*InterruptMessage)
		if item.seq != uint64(i) {
			t.Fatalf("pop %d: seq = %d, want %d", i, item.seq, i)
		}
	}
}

func TestIsStopPhrase(t *testing.T) {
	tests := []struct {
		name string
		msg  *bus.UnifiedMessage
		want bool
	}{
		{"plain stop", inbound("1", "c", "stop"), true},
		{"uppercase with spaces", inbound("2", "c", "  STOP "), true},
		{"chinese cancel", inbound("3", "c", "取消"), true},
		{"chinese halt", inbound("4", "c", "停下"), true},
		{"english cancel", inbound("5", "c", "cancel"), true},
		{"embedded in sentence", inbound("6", "c", "please stop doing that"), false},
		{"unrelated", inbound("7", "c", "继续"), false},
		{"empty", inbound("8", "c", ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isStopPhrase(tt.msg); got != tt.want {
				t.Errorf("isStopPhrase(%q) = %v, want %v", tt.msg.Content.Text, got, tt.want)
			}
		})
	}

	voice := inbound("9", "c", "stop")
	voice.Content.Voices = []bus.MediaFile{{ID: "v1"}}
	if isStopPhrase(voice) {
		t.Error("messages carrying media must not match the stop table")
	}
}

func TestPriorityString(t *testing.T) {
	if PriorityNormal.String() != "normal" || PriorityHigh.String() != "high" || PriorityUrgent.String() != "urgent" {
		t.Errorf("unexpected priority names: %s %s %s",
			PriorityNormal, PriorityHigh, PriorityUrgent)
	}
}
