package rtdb_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/httpapi"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/memory"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/rtdb"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/storetest"
)

// facade serves a fresh memory store over the /db REST facade.
func facade(t *testing.T, auth string) *httptest.Server {
	t.Helper()
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     memory.New(),
		StoreAuth: auth,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, base, auth string) *rtdb.Client {
	t.Helper()
	c, err := rtdb.New(rtdb.Config{BaseURL: base, AuthToken: auth, Timeout: 5 * time.Second, MaxRetries: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClient_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		ts := facade(t, "token")
		return newClient(t, ts.URL+"/db", "token")
	})
}

func TestClient_RejectsBadBaseURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/db"} {
		if _, err := rtdb.New(rtdb.Config{BaseURL: u}); err == nil {
			t.Errorf("%q: expected error", u)
		}
	}
}

func TestClient_WrongAuthFails(t *testing.T) {
	ts := facade(t, "token")
	c := newClient(t, ts.URL+"/db", "wrong")
	if err := c.Write(context.Background(), "checkin_count/car", 1); err == nil {
		t.Error("expected unauthorized write to fail")
	}
}

func TestClient_TransactGivesUpOnPersistentConflict(t *testing.T) {
	var puts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "moving-target")
		if r.Method == http.MethodPut {
			puts.Add(1)
			w.WriteHeader(http.StatusPreconditionFailed)
		}
		_, _ = io.WriteString(w, "1")
	}))
	defer ts.Close()

	c, _ := rtdb.New(rtdb.Config{BaseURL: ts.URL, MaxRetries: 3})
	err := c.Transact(context.Background(), "checkin_count/car", func(cur json.RawMessage) (any, error) {
		return 2, nil
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if puts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", puts.Load())
	}
}

func TestClient_SubscribeStopsOnCancelEvent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: put\ndata: {\"path\":\"/\",\"data\":{\"occupied\":true}}\n\n")
		_, _ = io.WriteString(w, "event: keep-alive\ndata: null\n\n")
		_, _ = io.WriteString(w, "event: cancel\ndata: null\n\n")
	}))
	defer ts.Close()

	c, _ := rtdb.New(rtdb.Config{BaseURL: ts.URL})
	ch, err := c.Subscribe(context.Background(), "parking_spots/slot_1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				if len(got) != 1 || got[0] != `{"occupied":true}` {
					t.Errorf("unexpected values %v", got)
				}
				return
			}
			got = append(got, string(v))
		case <-timeout:
			t.Fatal("subscription did not close after cancel event")
		}
	}
}
