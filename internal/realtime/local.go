package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalNotifier is an in-process Notifier for single-node deployments and
// tests. Semantics match the Redis implementation: best-effort delivery,
// slow subscribers drop events.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]chan Event
	next int
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[uuid.UUID]map[int]chan Event)}
}

func (n *LocalNotifier) Publish(_ context.Context, userID uuid.UUID, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[userID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, userID uuid.UUID) (<-chan Event, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan Event, 16)
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[int]chan Event)
	}
	n.subs[userID][id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[userID][id]; ok {
			delete(n.subs[userID], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

var _ Notifier = (*LocalNotifier)(nil)
