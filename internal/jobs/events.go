package jobs

import (
	"sync"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// EventKind distinguishes status changes from progress samples
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventProgress EventKind = "progress"
	// EventSlots reports solve slot availability of a bounded pool; it
	// carries no run.
	EventSlots EventKind = "slots"
)

// Event is published on every run status change, every trace point and
// every change of free solve slots
type Event struct {
	Kind   EventKind          `json:"kind"`
	RunID  string             `json:"run_id"`
	CaseID string             `json:"case_id"`
	Status domain.RunStatus   `json:"status"`
	Error  string             `json:"error,omitempty"`
	Point  *domain.TracePoint `json:"point,omitempty"`
	Slots  *int               `json:"available_slots,omitempty"`
	Time   time.Time          `json:"time"`
}

// subscriberBuffer is the per-subscriber queue; slow subscribers miss events
// rather than stall runs
const subscriberBuffer = 256

type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
