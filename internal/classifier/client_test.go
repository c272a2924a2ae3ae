package classifier_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/classifier"
)

func newClient(t *testing.T, h http.HandlerFunc) *classifier.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := classifier.New(classifier.Config{
		Endpoint:   srv.URL,
		Model:      "parking/3",
		APIKey:     "k",
		Confidence: 40,
		Overlap:    30,
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClassify_SendsImageAndDecodes(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/parking/3" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("api_key") != "k" || q.Get("confidence") != "40" || q.Get("overlap") != "30" {
			t.Errorf("unexpected query %v", q)
		}
		b, _ := io.ReadAll(r.Body)
		img, err := base64.StdEncoding.DecodeString(string(b))
		if err != nil || string(img) != "\xff\xd8jpeg" {
			t.Errorf("unexpected body %q", b)
		}
		_, _ = w.Write([]byte(`{"time":0.1,"predictions":[
			{"class":"car","confidence":0.91,"x":10,"y":20,"width":30,"height":40},
			{"class":"license_plate","confidence":0.7,"x":1,"y":2,"width":3,"height":4}]}`))
	})

	preds, err := c.Classify(context.Background(), []byte("\xff\xd8jpeg"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(preds) != 2 || preds[0].Class != "car" || preds[0].Confidence != 0.91 || preds[1].Width != 3 {
		t.Errorf("unexpected predictions %+v", preds)
	}
}

func TestClassify_EmptyPredictionsIsNotAnError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"predictions":[]}`))
	})
	preds, err := c.Classify(context.Background(), []byte("x"))
	if err != nil || len(preds) != 0 {
		t.Errorf("expected empty result, got %v %v", preds, err)
	}
}

func TestClassify_ErrorClasses(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
		want error
	}{
		{"non-2xx", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "quota", http.StatusForbidden)
		}, classifier.ErrTransport},
		{"garbage", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}, classifier.ErrParse},
		{"missing field", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
		}, classifier.ErrParse},
		{"wrong shape", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"predictions":[{"confidence":"high"}]}`))
		}, classifier.ErrParse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newClient(t, tc.h).Classify(context.Background(), []byte("x"))
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestClassify_TimeoutIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c, _ := classifier.New(classifier.Config{Endpoint: srv.URL, Model: "m/1", Timeout: 50 * time.Millisecond})

	_, err := c.Classify(context.Background(), []byte("x"))
	if !errors.Is(err, classifier.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestNew_RequiresEndpointAndModel(t *testing.T) {
	if _, err := classifier.New(classifier.Config{Model: "m/1"}); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := classifier.New(classifier.Config{Endpoint: "http://x"}); err == nil {
		t.Error("expected error without model")
	}
}
