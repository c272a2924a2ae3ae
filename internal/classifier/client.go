// Package classifier submits frames to a hosted object detector and
// returns its raw predictions.
package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

var (
	ErrTransport = errors.New("classifier transport failure")
	ErrParse     = errors.New("classifier response malformed")
)

// Classifier turns one JPEG into predictions.
type Classifier interface {
	Classify(ctx context.Context, jpeg []byte) ([]types.Prediction, error)
}

type Config struct {
	Endpoint   string        // e.g. https://detect.roboflow.com
	Model      string        // "<project>/<version>"
	APIKey     string
	Confidence int           // server-side floor, percent
	Overlap    int           // NMS overlap, percent
	Timeout    time.Duration // whole request
}

// Client is a hosted-inference HTTP client. The image is sent base64
// encoded in a form body; the response is {"predictions":[...]}.
type Client struct {
	cfg  Config
	http *http.Client
}

const maxResponse = 1 << 20

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("classifier: endpoint and model are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *Client) requestURL() string {
	q := url.Values{}
	if c.cfg.APIKey != "" {
		q.Set("api_key", c.cfg.APIKey)
	}
	if c.cfg.Confidence > 0 {
		q.Set("confidence", strconv.Itoa(c.cfg.Confidence))
	}
	if c.cfg.Overlap > 0 {
		q.Set("overlap", strconv.Itoa(c.cfg.Overlap))
	}
	return strings.TrimRight(c.cfg.Endpoint, "/") + "/" + strings.Trim(c.cfg.Model, "/") + "?" + q.Encode()
}

type response struct {
	Predictions *[]types.Prediction `json:"predictions"`
}

func (c *Client) Classify(ctx context.Context, jpeg []byte) ([]types.Prediction, error) {
	body := strings.NewReader(base64.StdEncoding.EncodeToString(jpeg))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponse))
		return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	var out response
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if out.Predictions == nil {
		return nil, fmt.Errorf("%w: no predictions field", ErrParse)
	}
	return *out.Predictions, nil
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, jpeg []byte) ([]types.Prediction, error)

func (f Func) Classify(ctx context.Context, jpeg []byte) ([]types.Prediction, error) {
	return f(ctx, jpeg)
}
