package notification

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/protocol"
)

// Subscription is one live listener. C is closed on Unsubscribe or when
// the hub closes.
type Subscription struct {
	ID          uint64
	UserID      string // empty receives every user's events
	ConnectedAt time.Time
	C           <-chan *protocol.AlertNotification

	ch chan *protocol.AlertNotification
}

// Hub fans notifications out to live subscribers without blocking the
// publisher. Subscribers that fall behind lose events.
type Hub struct {
	subscribers map[uint64]*Subscription
	byUserID    map[string]map[uint64]struct{}
	nextID      atomic.Uint64
	mu          sync.RWMutex
	bufferSize  int
	maxSubs     int
	closed      bool
	delivered   atomic.Uint64
	dropped     atomic.Uint64
	metrics     *metrics.Metrics
}

// NewHub creates a hub. Each subscriber gets a buffer of bufferSize events;
// maxSubscribers <= 0 means unlimited.
func NewHub(bufferSize, maxSubscribers int, m *metrics.Metrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	if m == nil {
		m = metrics.NewForTesting()
	}
	return &Hub{
		subscribers: make(map[uint64]*Subscription),
		byUserID:    make(map[string]map[uint64]struct{}),
		bufferSize:  bufferSize,
		maxSubs:     maxSubscribers,
		metrics:     m,
	}
}

// Subscribe registers a listener for userID's events
func (h *Hub) Subscribe(userID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if h.maxSubs > 0 && len(h.subscribers) >= h.maxSubs {
		return nil, ErrMaxSubscribersReached
	}

	ch := make(chan *protocol.AlertNotification, h.bufferSize)
	sub := &Subscription{
		ID:          h.nextID.Add(1),
		UserID:      userID,
		ConnectedAt: time.Now(),
		C:           ch,
		ch:          ch,
	}

	h.subscribers[sub.ID] = sub
	if h.byUserID[userID] == nil {
		h.byUserID[userID] = make(map[uint64]struct{})
	}
	h.byUserID[userID][sub.ID] = struct{}{}
	h.metrics.Subscribers.Inc()

	return sub, nil
}

// Unsubscribe removes the listener and closes its channel. Unknown ids
// are ignored.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	h.removeLocked(sub)
}

// Publish delivers n to the owner's subscribers and to catch-all
// subscribers. It never blocks.
func (h *Hub) Publish(n *protocol.AlertNotification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliverLocked(h.byUserID[n.UserID], n)
	if n.UserID != "" {
		h.deliverLocked(h.byUserID[""], n)
	}
}

func (h *Hub) deliverLocked(ids map[uint64]struct{}, n *protocol.AlertNotification) {
	for id := range ids {
		select {
		case h.subscribers[id].ch <- n:
			h.delivered.Add(1)
		default:
			// Skip slow subscribers
			h.dropped.Add(1)
			h.metrics.NotificationsDropped.WithLabelValues("hub").Inc()
		}
	}
}

// Close closes all subscriber channels, causing streams to exit
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, sub := range h.subscribers {
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	close(sub.ch)
	delete(h.subscribers, sub.ID)
	if ids := h.byUserID[sub.UserID]; ids != nil {
		delete(ids, sub.ID)
		if len(ids) == 0 {
			delete(h.byUserID, sub.UserID)
		}
	}
	h.metrics.Subscribers.Dec()
}

// Stats returns statistics about the hub
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return HubStats{
		Subscribers:    len(h.subscribers),
		UniqueUsers:    len(h.byUserID),
		MaxSubscribers: h.maxSubs,
		Delivered:      h.delivered.Load(),
		Dropped:        h.dropped.Load(),
	}
}

// HubStats contains statistics about the hub
type HubStats struct {
	Subscribers    int    `json:"subscribers"`
	UniqueUsers    int    `json:"uniqueUsers"`
	MaxSubscribers int    `json:"maxSubscribers"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
}

var (
	ErrMaxSubscribersReached = &HubError{"maximum subscribers reached"}
	ErrHubClosed             = &HubError{"notification hub is closed"}
)

// HubError represents a subscription error
type HubError struct {
	msg string
}

func (e *HubError) Error() string {
	return e.msg
}
