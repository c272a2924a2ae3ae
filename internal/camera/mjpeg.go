package camera

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Boundary is the multipart boundary existing viewers expect.
const Boundary = "123456789000000000000987654321"

const (
	StreamContentType = "multipart/x-mixed-replace;boundary=" + Boundary
	partBoundary      = "\r\n--" + Boundary + "\r\n"
	partHeader        = "Content-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n"
)

// StreamServer serves /stream (continuous MJPEG) and /capture (one JPEG).
type StreamServer struct {
	src      Source
	interval time.Duration
	logger   *slog.Logger
}

func NewStreamServer(src Source, interval time.Duration, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamServer{src: src, interval: interval, logger: logger}
}

func (s *StreamServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /capture", s.handleCapture)
	return mux
}

func (s *StreamServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	frame, err := s.src.Capture(r.Context())
	if err != nil {
		http.Error(w, "capture failed", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", "inline; filename=capture.jpg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	_, _ = w.Write(frame)
}

func (s *StreamServer) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", StreamContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ctx := r.Context()
	frames := 0
	defer func() { s.logger.Debug("stream closed", "remote", r.RemoteAddr, "frames", frames) }()

	for {
		frame, err := s.src.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream capture failed", "err", err)
		} else {
			if err := WritePart(w, frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			frames++
		}
		if s.interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// WritePart writes one framed JPEG part.
func WritePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, partBoundary+partHeader, len(frame)); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
