package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/driftq/driftq/internal/engine"
	"github.com/driftq/driftq/internal/queue"
)

// Handler translates coordinator and queue events into dashboard messages.
// It bridges between the sync engine and the WebSocket server, and keeps
// cumulative counters for the life of the process.
type Handler struct {
	server *Server
	logger *log.Logger

	// Cycle and queue listeners fire from different goroutines.
	mu     sync.Mutex
	totals TotalsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnCycleComplete handles drain cycle completion events
func (h *Handler) OnCycleComplete(stats engine.CycleStats) {
	h.mu.Lock()
	h.totals.Cycles++
	h.totals.Pushed += stats.Pushed
	h.totals.Accepted += stats.Accepted
	h.totals.Conflicts += stats.Conflicts
	h.totals.Flagged += stats.Flagged
	h.totals.Requeued += stats.Requeued
	h.totals.Quarantined += stats.Quarantined
	totals := h.totals
	h.mu.Unlock()

	h.broadcast(MessageTypeCycle, CycleData{
		Pushed:      stats.Pushed,
		Accepted:    stats.Accepted,
		Conflicts:   stats.Conflicts,
		Flagged:     stats.Flagged,
		Requeued:    stats.Requeued,
		Quarantined: stats.Quarantined,
		Duration:    stats.Duration,
	})

	if stats.Quarantined > 0 || stats.Flagged > 0 {
		h.broadcast(MessageTypeQuarantine, QuarantineData{
			Quarantined: stats.Quarantined,
			Flagged:     stats.Flagged,
		})
	}

	h.broadcast(MessageTypeTotals, totals)
}

// OnStateChange handles coordinator state transitions
func (h *Handler) OnStateChange(state engine.State) {
	h.logger.Printf("Coordinator state: %s", state)
	h.broadcast(MessageTypeState, StateData{State: state.String()})
}

// OnPullComplete handles pull batch completion events
func (h *Handler) OnPullComplete(stats engine.PullStats) {
	if stats.Changes == 0 {
		return
	}
	h.broadcast(MessageTypePull, PullData{
		Changes: stats.Changes,
		Applied: stats.Applied,
		Dropped: stats.Dropped,
		Kept:    stats.Kept,
		Flagged: stats.Flagged,
		Cursor:  stats.Cursor,
	})
}

// OnQueueStats broadcasts a queue counter snapshot
func (h *Handler) OnQueueStats(stats queue.Stats) {
	h.broadcast(MessageTypeQueueStats, stats)
}

// Totals returns the cumulative counters since the handler was created
func (h *Handler) Totals() TotalsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals
}

func (h *Handler) broadcast(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// QueueSnapshot formats queue statistics as a dashboard message. Wire it
// into Config.Snapshot so new clients receive the current counters on
// connect.
func QueueSnapshot(stats queue.Stats) Message {
	dataJSON, err := json.Marshal(stats)
	if err != nil {
		return Message{Type: MessageTypeQueueStats, Timestamp: time.Now()}
	}
	return Message{
		Type:      MessageTypeQueueStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	}
}
