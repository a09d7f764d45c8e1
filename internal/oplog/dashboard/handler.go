package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	oplogsync "github.com/localfirst/opsync/internal/oplog/sync"
)

// Handler turns sync events into dashboard messages. It implements
// oplog.Notifier, so it can be handed to every component that notifies.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server.
// New clients receive the current statistics as their first message.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}

	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{ByKind: make(map[string]int)},
	}
	server.welcome = h.statsMessage
	return h
}

// Notify implements oplog.Notifier. It never blocks.
func (h *Handler) Notify(ev oplog.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	h.stats.ByKind[string(ev.Kind)]++
	if ev.Kind == oplog.EventConflictsDetected {
		h.stats.Conflicts += len(ev.Conflicts)
	}
	h.mu.Unlock()

	h.send(MessageTypeEvent, ev, ev.Time)
	h.server.Broadcast(h.statsMessage())
}

// OnSyncComplete records the outcome of a sync round.
func (h *Handler) OnSyncComplete(res *oplogsync.Result, err error) {
	data := SyncCompleteData{}
	if res != nil {
		data = SyncCompleteData{
			Uploaded:   res.Uploaded,
			Downloaded: res.Downloaded,
			Applied:    res.Applied,
			Conflicts:  res.Conflicts,
			Rejected:   res.Rejected,
			Duration:   res.Duration,
		}
	}
	if err != nil {
		data.Error = err.Error()
	}

	now := time.Now()
	h.mu.Lock()
	h.stats.Syncs++
	h.stats.LastSync = now
	if err != nil {
		h.stats.SyncErrors++
	}
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, data, now)
	h.server.Broadcast(h.statsMessage())
}

// GetStats returns a copy of the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.ByKind = make(map[string]int, len(h.stats.ByKind))
	for k, v := range h.stats.ByKind {
		s.ByKind[k] = v
	}
	return s
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v interface{}, at time.Time) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: data})
}
