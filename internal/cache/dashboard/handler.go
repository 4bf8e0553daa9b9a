package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	cachesync "github.com/shiftdesk/shiftdesk/internal/cache/sync"
)

// Stats is a snapshot of the cache.
type Stats struct {
	Kinds    []db.KindCount        `json:"kinds"`
	Unsynced int                   `json:"unsynced"`
	Queue    queue.Stats           `json:"queue"`
	Warm     bool                  `json:"warm"`
	LastPass *cachesync.PassResult `json:"last_pass,omitempty"`
}

// Collector returns a StatsFunc reading from the store, queue and reconciler.
func Collector(database *db.DB, q *queue.Queue, rec cachesync.Reconciler) StatsFunc {
	return func(ctx context.Context) (*Stats, error) {
		kinds, err := database.Counts(ctx)
		if err != nil {
			return nil, err
		}

		st := &Stats{Kinds: kinds, Warm: rec.Warm()}
		for _, k := range kinds {
			st.Unsynced += k.Unsynced
		}
		if q != nil {
			st.Queue = q.Stats()
		}
		if last, ok := rec.LastPass(); ok {
			st.LastPass = &last
		}
		return st, nil
	}
}

// Handler turns sync events into dashboard messages. It implements
// sync.Observer.
type Handler struct {
	server *Server
	stats  StatsFunc
	logger *log.Logger
}

var _ cachesync.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server.
// stats may be nil, in which case no stats messages are sent.
func NewHandler(server *Server, stats StatsFunc, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, stats: stats, logger: logger}
}

// OnSyncEvent implements sync.Observer.
func (h *Handler) OnSyncEvent(e cachesync.Event) {
	var typ MessageType
	switch e.Type {
	case cachesync.EventRecordSynced:
		typ = MessageTypeRecordSynced
	case cachesync.EventRecordFailed:
		typ = MessageTypeRecordFailed
	case cachesync.EventPassComplete:
		typ = MessageTypePassComplete
	default:
		h.logger.Printf("Warning: unknown sync event %q", e.Type)
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Printf("Failed to marshal sync event: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: e.Time, Data: data})

	if e.Type == cachesync.EventPassComplete {
		h.broadcastStats()
	}
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	if h.stats == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.stats(ctx)
	if err != nil {
		h.logger.Printf("Warning: failed to collect stats: %v", err)
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
}
