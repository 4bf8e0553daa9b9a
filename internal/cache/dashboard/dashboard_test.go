package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
	cachesync "github.com/shiftdesk/shiftdesk/internal/cache/sync"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupEngine creates a store, queue and reconciler backed by a memory remote.
func setupEngine(t *testing.T) (*db.DB, *queue.Queue, cachesync.Reconciler) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	q := queue.New(queue.DefaultConfig(), quietLogger())
	rec := cachesync.New(database, remote.NewMemory(), q, cachesync.DefaultConfig(), quietLogger())
	return database, q, rec
}

func startServer(t *testing.T, stats StatsFunc) *Server {
	t.Helper()

	server := NewServer(&Config{Addr: "127.0.0.1:0", Stats: stats, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: quietLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Unexpected listen address %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcomeCarriesStats(t *testing.T) {
	database, q, rec := setupEngine(t)
	server := startServer(t, Collector(database, q, rec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}

	var st Stats
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if len(st.Kinds) != len(schema.Kinds) {
		t.Errorf("Expected %d kinds, got %d", len(schema.Kinds), len(st.Kinds))
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestHandlerBroadcastsPass(t *testing.T) {
	database, q, rec := setupEngine(t)
	stats := Collector(database, q, rec)
	server := startServer(t, stats)
	rec.SetObserver(NewHandler(server, stats, quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn) // welcome

	task := &schema.Task{Title: "X", AssigneeID: "42", Priority: schema.PriorityLow, Status: schema.TaskNew}
	if _, err := database.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask failed: %v", err)
	}
	if _, err := rec.RunPass(ctx); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	want := []MessageType{MessageTypeRecordSynced, MessageTypePassComplete, MessageTypeStats}
	for _, typ := range want {
		msg := readMessage(t, ctx, conn)
		if msg.Type != typ {
			t.Fatalf("Expected message type %s, got %s", typ, msg.Type)
		}
		if typ == MessageTypeRecordSynced {
			var e cachesync.Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				t.Fatalf("Failed to unmarshal event: %v", err)
			}
			if e.Kind != schema.KindTask || e.LocalID != task.LocalID || e.RemoteID == "" {
				t.Errorf("Unexpected event %+v", e)
			}
		}
		if typ == MessageTypeStats {
			var st Stats
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				t.Fatalf("Failed to unmarshal stats: %v", err)
			}
			if st.Unsynced != 0 || !st.Warm || st.LastPass == nil {
				t.Errorf("Unexpected stats after pass: %+v", st)
			}
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	database, q, rec := setupEngine(t)

	r := &schema.Report{OwnerID: "7", Date: "2024-01-01", Status: schema.ReportSubmitted}
	if _, err := database.UpsertReport(context.Background(), r); err != nil {
		t.Fatalf("UpsertReport failed: %v", err)
	}

	server := NewServer(&Config{Stats: Collector(database, q, rec), Logger: quietLogger()})
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if st.Unsynced != 1 {
		t.Errorf("Expected 1 unsynced row, got %d", st.Unsynced)
	}
	if st.Warm {
		t.Error("Cache should be cold before the first pass")
	}
}

func TestHealthAndMissingStats(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/api/stats", http.StatusServiceUnavailable},
		{"/", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestRootEscapesHost(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = `<script>alert(1)</script>`
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "<script>") {
		t.Errorf("root page echoes the raw host:\n%s", body)
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("root page is missing the escaped host:\n%s", body)
	}
}
