package sqlite_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/db"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	sqlitestore "github.com/BrandonDHaskell/parkwatch/internal/parking/store/sqlite"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		conn := openTestDB(t)
		return sqlitestore.New(conn, newTestWriter(t, conn))
	})
}

func TestStore_WriteBumpsVersion(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Write(ctx, "checkin_count/car", i); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	var version int
	var value string
	err := conn.QueryRowContext(ctx,
		`SELECT version, value FROM nodes WHERE path = ?`, "checkin_count/car",
	).Scan(&version, &value)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if version != 3 {
		t.Errorf("expected version=3, got %d", version)
	}
	if value != "2" {
		t.Errorf("expected value=2, got %q", value)
	}
}

func TestStore_UnderscoreIsNotAWildcard(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_ = s.Write(ctx, "parking_spots/slot_1/type", "car")
	_ = s.Write(ctx, "parking_spots/slot_10/type", "truck")
	_ = s.Write(ctx, "parking_spotsX/slot_1/type", "bogus")

	raw, err := s.Read(ctx, "parking_spots/slot_1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(raw) != `{"type":"car"}` {
		t.Errorf("expected only slot_1, got %s", raw)
	}
}

func TestStore_ChangeLogRecordsWrites(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_ = s.Write(ctx, "parking_spots/slot_1/occupied", true)
	_, _ = s.Append(ctx, "logs/access", map[string]any{"action": "check_in"})

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 change_log rows, got %d", count)
	}

	deleted, err := s.PruneChangesOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneChangesOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 pruned rows, got %d", deleted)
	}
}

func TestWatcher_PublishesForeignWrites(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	s := sqlitestore.New(conn, w)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	watcher := sqlitestore.NewWatcher(s, 10*time.Millisecond, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := watcher.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	go func() { _ = watcher.Run(ctx) }()

	ch, err := s.Subscribe(ctx, "parking_spots/slot_2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-ch // initial null

	// A second Store over the same database stands in for another process.
	otherWriter := db.NewWorker(conn)
	t.Cleanup(otherWriter.Close)
	other := sqlitestore.New(conn, otherWriter)
	if err := other.Write(ctx, "parking_spots/slot_2/occupied", true); err != nil {
		t.Fatalf("foreign Write: %v", err)
	}

	select {
	case v := <-ch:
		if string(v) != `{"occupied":true}` {
			t.Errorf("unexpected value %s", v)
		}
	case <-ctx.Done():
		t.Fatal("watcher did not deliver the foreign write")
	}
}
