// Package rtdb talks to a Firebase Realtime Database style REST endpoint:
// either a hosted database or the parkwatch server's /db facade.
package rtdb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
)

type Config struct {
	BaseURL    string        // e.g. https://example.firebaseio.com
	AuthToken  string        // sent as ?auth=
	Timeout    time.Duration // per request; streams are not bounded
	MaxRetries int           // Transact attempts before ErrConflict
}

// Client implements store.Store and store.Transactor over REST.
type Client struct {
	base       *url.URL
	auth       string
	http       *http.Client
	stream     *http.Client
	maxRetries int
}

const maxBody = 4 << 20

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rtdb: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 25
	}
	return &Client{
		base:       u,
		auth:       cfg.AuthToken,
		http:       &http.Client{Timeout: cfg.Timeout},
		stream:     &http.Client{},
		maxRetries: cfg.MaxRetries,
	}, nil
}

func (c *Client) url(p string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/" + p + ".json"
	if query == nil {
		query = url.Values{}
	}
	if c.auth != "" {
		query.Set("auth", c.auth)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

type response struct {
	status int
	etag   string
	body   []byte
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, body any, header http.Header) (response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("rtdb: encode %s: %w", p, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(p, query), rd)
	if err != nil {
		return response{}, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("rtdb: %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return response{}, fmt.Errorf("rtdb: read %s: %w", p, err)
	}
	r := response{status: resp.StatusCode, etag: resp.Header.Get("ETag"), body: b}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return r, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return r, fmt.Errorf("rtdb: %s %s: status %d: %s", method, p, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return r, nil
}

func silent() url.Values { return url.Values{"print": {"silent"}} }

func (c *Client) Read(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	r, err := c.do(ctx, http.MethodGet, p, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return valueOrNotFound(p, r.body)
}

func valueOrNotFound(p string, body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, store.Null) {
		return nil, fmt.Errorf("%s: %w", p, store.ErrNotFound)
	}
	return json.RawMessage(body), nil
}

func (c *Client) Write(ctx context.Context, path string, v any) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	if v == nil {
		_, err = c.do(ctx, http.MethodDelete, p, silent(), nil, nil)
		return err
	}
	_, err = c.do(ctx, http.MethodPut, p, silent(), v, nil)
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, p, silent(), fields, nil)
	return err
}

func (c *Client) Append(ctx context.Context, path string, v any) (string, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return "", err
	}
	r, err := c.do(ctx, http.MethodPost, p, nil, v, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(r.body, &out); err != nil || out.Name == "" {
		return "", fmt.Errorf("rtdb: append %s: unexpected response %q", p, r.body)
	}
	return out.Name, nil
}

// Transact performs an ETag guarded read-modify-write, retrying while
// another writer gets in between.
func (c *Client) Transact(ctx context.Context, path string, fn store.TxnFunc) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	r, err := c.do(ctx, http.MethodGet, p, nil, nil, http.Header{"X-Firebase-ETag": {"true"}})
	if err != nil {
		return err
	}
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if r.etag == "" {
			return fmt.Errorf("rtdb: %s: server returned no ETag", p)
		}
		cur, err := valueOrNotFound(p, r.body)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		method := http.MethodPut
		if next == nil {
			method = http.MethodDelete
		}
		r, err = c.do(ctx, method, p, nil, next, http.Header{"if-match": {r.etag}})
		if err != nil {
			return err
		}
		if r.status != http.StatusPreconditionFailed {
			return nil
		}
		// 412 carries the current value and its ETag; loop with them.
	}
	return fmt.Errorf("rtdb: %s: %w after %d attempts", p, store.ErrConflict, c.maxRetries)
}

type streamEvent struct {
	name string
	data []byte
}

// Subscribe holds an event-stream open, reconnecting with backoff, and
// emits the full value at path after every change.
func (c *Client) Subscribe(ctx context.Context, path string) (<-chan json.RawMessage, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	out := make(chan json.RawMessage, 1)
	go func() {
		defer close(out)
		var last json.RawMessage
		backoff := 500 * time.Millisecond
		for ctx.Err() == nil {
			err := c.stream1(ctx, p, func(v json.RawMessage) bool {
				backoff = 500 * time.Millisecond
				if last != nil && bytes.Equal(last, v) {
					return true
				}
				last = v
				select {
				case out <- v:
					return true
				case <-ctx.Done():
					return false
				}
			})
			if errors.Is(err, errStreamClosed) || ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
	return out, nil
}

var errStreamClosed = errors.New("rtdb: stream closed by server")

func (c *Client) stream1(ctx context.Context, p string, emit func(json.RawMessage) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(p, nil), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rtdb: stream %s: status %d", p, resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), maxBody)
	var ev streamEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = append(ev.data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		case line == "":
			if ev.name == "" {
				continue
			}
			v, keep, err := c.handleEvent(ctx, p, ev)
			ev = streamEvent{}
			if err != nil {
				return err
			}
			if v != nil && !emit(v) {
				return nil
			}
			if !keep {
				return errStreamClosed
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) handleEvent(ctx context.Context, p string, ev streamEvent) (json.RawMessage, bool, error) {
	switch ev.name {
	case "keep-alive":
		return nil, true, nil
	case "cancel", "auth_revoked":
		return nil, false, nil
	case "put", "patch":
	default:
		return nil, true, nil
	}
	var msg struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(ev.data, &msg); err != nil {
		return nil, true, fmt.Errorf("rtdb: stream %s: bad event: %w", p, err)
	}
	if ev.name == "put" && msg.Path == "/" {
		if len(msg.Data) == 0 {
			return store.Null, true, nil
		}
		return msg.Data, true, nil
	}
	// Partial change: fetch the whole value so subscribers always get a
	// complete document.
	v, err := c.Read(ctx, p)
	if store.IsNotFound(err) {
		return store.Null, true, nil
	}
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}
