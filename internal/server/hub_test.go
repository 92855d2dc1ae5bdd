package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/wal"
	"github.com/vibestack/walfeed/pkg/lsn"
)

type recordingDirectory struct {
	mu          sync.Mutex
	touched     []string
	deactivated []string
}

func (d *recordingDirectory) Touch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = append(d.touched, id)
	return nil
}

func (d *recordingDirectory) Deactivate(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deactivated = append(d.deactivated, id)
	return nil
}

func (d *recordingDirectory) wasDeactivated(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, got := range d.deactivated {
		if got == id {
			return true
		}
	}
	return false
}

func TestNotifyClientWithoutConnection(t *testing.T) {
	hub := NewHub(&recordingDirectory{}, nil, zerolog.Nop())

	err := hub.NotifyClient(context.Background(), "c-missing", nil, lsn.Zero)
	if err == nil {
		t.Fatal("expected an error for an unconnected client")
	}
	if !strings.Contains(err.Error(), "no active connection") {
		t.Errorf("err = %v", err)
	}
}

func TestSyncConnectionLifecycle(t *testing.T) {
	dir := &recordingDirectory{}
	s := New(&fakeReplication{}, NewHub(dir, nil, zerolog.Nop()), nil, zerolog.Nop())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sync/ws?client_id=c-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !s.Hub().Connected("c-1") {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Hub().Connected("c-1") {
		t.Fatal("client never registered with the hub")
	}

	changes := []wal.TableChange{{
		Table: "tasks",
		Op:    wal.OpInsert,
		Data:  map[string]any{"id": "T1"},
		LSN:   lsn.MustParse("0/10A"),
	}}
	if err := s.Hub().NotifyClient(ctx, "c-1", changes, lsn.MustParse("0/10A")); err != nil {
		t.Fatalf("notify: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame changeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "changes" || frame.LSN != "0/10A" || len(frame.Changes) != 1 {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Changes[0].Table != "tasks" {
		t.Errorf("change = %+v", frame.Changes[0])
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Hub().Connected("c-1") {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Hub().Connected("c-1") {
		t.Fatal("hub kept the connection after close")
	}
	if !dir.wasDeactivated("c-1") {
		t.Error("client was not deactivated on disconnect")
	}
}
