// Package camera provides frame sources and the MJPEG stream server.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrCapture wraps every frame acquisition failure.
var ErrCapture = errors.New("frame capture failed")

// Source produces one JPEG frame on demand.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

var jpegSOI = []byte{0xff, 0xd8}

func checkJPEG(b []byte) error {
	if len(b) < 2 || !bytes.HasPrefix(b, jpegSOI) {
		return fmt.Errorf("%w: not a jpeg (%d bytes)", ErrCapture, len(b))
	}
	return nil
}

// HTTPSnapshot fetches a still from a camera's capture URL.
type HTTPSnapshot struct {
	url    string
	client *http.Client
}

const maxFrame = 8 << 20

func NewHTTPSnapshot(url string, timeout time.Duration) *HTTPSnapshot {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSnapshot{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSnapshot) Capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrCapture, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFrame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if err := checkJPEG(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Replay cycles through the .jpg files of a directory in name order.
// Useful for bench runs without hardware.
type Replay struct {
	mu    sync.Mutex
	files []string
	next  int
}

func NewReplay(dir string) (*Replay, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("replay dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("replay dir %s: no jpeg files", dir)
	}
	sort.Strings(files)
	return &Replay{files: files}, nil
}

func (r *Replay) Capture(context.Context) ([]byte, error) {
	r.mu.Lock()
	f := r.files[r.next]
	r.next = (r.next + 1) % len(r.files)
	r.mu.Unlock()

	b, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if err := checkJPEG(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Static always returns the same frame, or Err when set.
type Static struct {
	Frame []byte
	Err   error
}

func (s Static) Capture(context.Context) ([]byte, error) {
	if s.Err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, s.Err)
	}
	if s.Frame == nil {
		return nil, fmt.Errorf("%w: no frame", ErrCapture)
	}
	return s.Frame, nil
}

// Exclusive serializes access to a source that can only have one frame
// checked out at a time.
type Exclusive struct {
	src  Source
	slot chan struct{}
}

func NewExclusive(src Source) *Exclusive {
	return &Exclusive{src: src, slot: make(chan struct{}, 1)}
}

// Capture waits for the peripheral, takes one frame and releases it.
func (e *Exclusive) Capture(ctx context.Context) ([]byte, error) {
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCapture, ctx.Err())
	}
	defer func() { <-e.slot }()
	b, err := e.src.Capture(ctx)
	if err != nil {
		return nil, err
	}
	// The caller gets its own copy; the peripheral buffer is released.
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
