package realtime

import (
	"sync"

	"github.com/digkill/arcano/internal/models"
)

// Event is what subscribers receive, serialised as-is onto the socket.
type Event struct {
	Type string      `json:"type"`
	Job  *models.Job `json:"job,omitempty"`
}

const bufferSize = 16

// Hub fans job changes out to the subscriptions of the job's owner.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and catches up through its own reconcile poll.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]map[*Subscription]struct{}
	onDrop func()
}

type Subscription struct {
	C      <-chan Event
	ch     chan Event
	userID int64
	hub    *Hub
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[*Subscription]struct{})}
}

// OnDrop registers a callback invoked for every dropped event.
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

func (h *Hub) Subscribe(userID int64) *Subscription {
	ch := make(chan Event, bufferSize)
	sub := &Subscription{C: ch, ch: ch, userID: userID, hub: h}

	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.userID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.userID)
			}
		}
		close(s.ch)
		h.mu.Unlock()
	})
}

func (h *Hub) PublishJob(job *models.Job) {
	if job == nil {
		return
	}
	snapshot := *job
	evt := Event{Type: "job", Job: &snapshot}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[job.UserID] {
		select {
		case sub.ch <- evt:
		default:
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribers returns the number of open subscriptions for a user.
func (h *Hub) Subscribers(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
