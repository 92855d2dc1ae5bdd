package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/config"
	"github.com/vibestack/walfeed/internal/db"
	"github.com/vibestack/walfeed/internal/testutil"
	"github.com/vibestack/walfeed/internal/wal"
	"github.com/vibestack/walfeed/pkg/lsn"
)

func TestWriterIntegration(t *testing.T) {
	if !testutil.TryPing(testutil.DSN()) {
		t.Skipf("database not reachable at %s", testutil.DSN())
	}

	ctx := context.Background()
	dbCfg := config.Defaults().Database
	dbCfg.URL = testutil.DSN()
	database, err := db.Open(ctx, dbCfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	if _, err := database.Pool.Exec(ctx, "DELETE FROM change_history"); err != nil {
		t.Fatal(err)
	}

	w := NewWriter(database.Pool, zerolog.Nop())
	if err := w.CheckTable(ctx); err != nil {
		t.Fatalf("CheckTable: %v", err)
	}

	now := time.Now().UTC()
	batch := []wal.TableChange{
		{Table: "tasks", Op: wal.OpInsert, Data: map[string]any{"id": "T1"}, LSN: lsn.MustParse("0/100"), UpdatedAt: now},
		{Table: "tasks", Op: wal.OpUpdate, Data: map[string]any{"id": "T2"}, LSN: lsn.MustParse("0/200"), UpdatedAt: now},
	}

	res, err := w.Store(ctx, batch, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() || res.Success != 2 {
		t.Fatalf("result = %+v", res)
	}

	var count int64
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM change_history").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	// Re-storing the same batch must be a no-op thanks to the dedup index.
	if _, err := w.Store(ctx, batch, 100); err != nil {
		t.Fatal(err)
	}
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM change_history").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count after duplicate store = %d, want 2", count)
	}
}
