package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
)

const (
	facadePrefix = "/db/"
	maxStoreBody = 1 << 20
	keepAlive    = 30 * time.Second
)

var errPrecondition = errors.New("etag mismatch")

// Facade serves a store.Store over the Firebase Realtime Database REST
// protocol, so devices running the rtdb backend can point at this server.
type Facade struct {
	st     store.Store
	tx     store.Transactor
	auth   string
	logger *slog.Logger

	// serializes conditional writes when the backend has no Transactor
	mu sync.Mutex
}

func NewFacade(st store.Store, auth string, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{st: st, auth: auth, logger: logger}
	if tx, ok := st.(store.Transactor); ok {
		f.tx = tx
	}
	return f
}

// ETag is the hex SHA-256 of a value's JSON encoding.
func ETag(v json.RawMessage) string {
	if len(v) == 0 {
		v = store.Null
	}
	sum := sha256.Sum256(v)
	return hex.EncodeToString(sum[:])
}

func (f *Facade) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.auth != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("auth")), []byte(f.auth)) != 1 {
		writeFirebaseError(w, http.StatusUnauthorized, "Permission denied")
		return
	}
	p, ok := facadePath(r.URL.Path)
	if !ok {
		writeFirebaseError(w, http.StatusBadRequest, "Path must end in .json")
		return
	}
	p, err := store.CleanPath(p)
	if err != nil {
		writeFirebaseError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("Accept") == "text/event-stream" {
			f.stream(w, r, p)
			return
		}
		f.get(w, r, p)
	case http.MethodPut, http.MethodDelete:
		f.put(w, r, p)
	case http.MethodPatch:
		f.patch(w, r, p)
	case http.MethodPost:
		f.post(w, r, p)
	default:
		w.Header().Set("Allow", "GET, PUT, PATCH, POST, DELETE")
		writeFirebaseError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func facadePath(urlPath string) (string, bool) {
	p := strings.TrimPrefix(urlPath, strings.TrimSuffix(facadePrefix, "/"))
	if !strings.HasSuffix(p, ".json") {
		return "", false
	}
	return strings.TrimSuffix(p, ".json"), true
}

func (f *Facade) read(ctx context.Context, p string) (json.RawMessage, error) {
	v, err := f.st.Read(ctx, p)
	if store.IsNotFound(err) {
		return store.Null, nil
	}
	return v, err
}

func (f *Facade) get(w http.ResponseWriter, r *http.Request, p string) {
	v, err := f.read(r.Context(), p)
	if err != nil {
		f.fail(w, r, p, err)
		return
	}
	if r.Header.Get("X-Firebase-ETag") == "true" {
		w.Header().Set("ETag", ETag(v))
	}
	writeRaw(w, http.StatusOK, v)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStoreBody))
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return store.Null, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("invalid data; could not parse JSON")
	}
	return json.RawMessage(body), nil
}

func (f *Facade) put(w http.ResponseWriter, r *http.Request, p string) {
	body := json.RawMessage(store.Null)
	if r.Method == http.MethodPut {
		var err error
		if body, err = readBody(r); err != nil {
			writeFirebaseError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if match := r.Header.Get("if-match"); match != "" {
		f.conditionalPut(w, r, p, match, body)
		return
	}

	var err error
	if bytes.Equal(body, store.Null) {
		err = f.st.Write(r.Context(), p, nil)
	} else {
		err = f.st.Write(r.Context(), p, body)
	}
	if err != nil {
		f.fail(w, r, p, err)
		return
	}
	f.written(w, r, body)
}

// conditionalPut applies body only when the current value still hashes
// to match. On mismatch the client gets 412 with the current value and
// its ETag so it can retry.
func (f *Facade) conditionalPut(w http.ResponseWriter, r *http.Request, p, match string, body json.RawMessage) {
	var current json.RawMessage
	apply := func(cur json.RawMessage) (any, error) {
		if cur == nil {
			cur = store.Null
		}
		if ETag(cur) != match {
			current = cur
			return nil, errPrecondition
		}
		if bytes.Equal(body, store.Null) {
			return nil, nil
		}
		return body, nil
	}

	var err error
	if f.tx != nil {
		err = f.tx.Transact(r.Context(), p, apply)
	} else {
		err = f.lockedTransact(r.Context(), p, apply)
	}
	switch {
	case errors.Is(err, errPrecondition):
		w.Header().Set("ETag", ETag(current))
		writeRaw(w, http.StatusPreconditionFailed, current)
	case err != nil:
		f.fail(w, r, p, err)
	default:
		w.Header().Set("ETag", ETag(body))
		f.written(w, r, body)
	}
}

func (f *Facade) lockedTransact(ctx context.Context, p string, fn store.TxnFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, err := f.st.Read(ctx, p)
	if err != nil && !store.IsNotFound(err) {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return f.st.Write(ctx, p, next)
}

func (f *Facade) patch(w http.ResponseWriter, r *http.Request, p string) {
	body, err := readBody(r)
	if err != nil {
		writeFirebaseError(w, http.StatusBadRequest, err.Error())
		return
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		writeFirebaseError(w, http.StatusBadRequest, "Invalid data; PATCH requires an object")
		return
	}
	if err := f.st.Update(r.Context(), p, fields); err != nil {
		f.fail(w, r, p, err)
		return
	}
	f.written(w, r, body)
}

func (f *Facade) post(w http.ResponseWriter, r *http.Request, p string) {
	body, err := readBody(r)
	if err != nil {
		writeFirebaseError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := f.st.Append(r.Context(), p, body)
	if err != nil {
		f.fail(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": key})
}

// written echoes the stored value unless the client asked for silence.
func (f *Facade) written(w http.ResponseWriter, r *http.Request, body json.RawMessage) {
	if r.URL.Query().Get("print") == "silent" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// stream sends the full value at p as a "put" event at "/" after every
// change, with periodic keep-alives, until the client goes away.
func (f *Facade) stream(w http.ResponseWriter, r *http.Request, p string) {
	ctx := r.Context()
	values, err := f.st.Subscribe(ctx, p)
	if err != nil {
		f.fail(w, r, p, err)
		return
	}
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		f.logger.Warn("event stream unsupported", "path", p, "err", err)
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, "event: keep-alive\ndata: null\n\n"); err != nil {
				return
			}
		case v, ok := <-values:
			if !ok {
				_, _ = io.WriteString(w, "event: cancel\ndata: null\n\n")
				_ = rc.Flush()
				return
			}
			if _, err := fmt.Fprintf(w, "event: put\ndata: {\"path\":\"/\",\"data\":%s}\n\n", compact(v)); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// compact keeps a multi-line value on one SSE data line.
func compact(v json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return store.Null
	}
	return buf.Bytes()
}

func (f *Facade) fail(w http.ResponseWriter, r *http.Request, p string, err error) {
	if errors.Is(err, store.ErrInvalidPath) {
		writeFirebaseError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.logger.Error("store request failed", "method", r.Method, "path", p, "err", err)
	writeFirebaseError(w, http.StatusInternalServerError, "Internal error")
}

func writeRaw(w http.ResponseWriter, status int, v json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(v)
}

func writeFirebaseError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
