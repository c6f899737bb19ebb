package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/yungbote/bookgraph/internal/platform/logger"
)

type fakeTransport struct {
	handler func(req *http.Request) (*http.Response, error)
	calls   []string
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls = append(f.calls, req.Method+" "+req.URL.Path)
	return f.handler(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newTestClient(t *testing.T, transport *fakeTransport) *Client {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	c, err := NewClient(log, Config{
		URL:               "http://qdrant.local:6333",
		ChapterCollection: "chapters",
		ConceptCollection: "concepts",
		VectorDim:         4,
		Distance:          "Cosine",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.http.Transport = transport
	return c
}

func TestEnsureCollectionExistsMatchingDim(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"result":{"config":{"params":{"vectors":{"size":4,"distance":"Cosine"}}}},"status":"ok"}`), nil
	}}
	c := newTestClient(t, transport)
	if err := c.EnsureCollection(context.Background(), "chapters"); err != nil {
		t.Fatalf("want=nil got=%v", err)
	}
	if len(transport.calls) != 1 {
		t.Fatalf("existing collection must not be recreated, calls=%v", transport.calls)
	}
}

func TestEnsureCollectionCreatesWhenAbsent(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return jsonResponse(404, `{"status":{"error":"Not found"}}`), nil
		}
		var body struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode create body: %v", err)
		}
		if body.Vectors.Size != 4 || body.Vectors.Distance != "Cosine" {
			t.Fatalf("unexpected create body: %+v", body)
		}
		return jsonResponse(200, `{"result":true,"status":"ok"}`), nil
	}}
	c := newTestClient(t, transport)
	if err := c.EnsureCollection(context.Background(), "chapters"); err != nil {
		t.Fatalf("want=nil got=%v", err)
	}
	if len(transport.calls) != 2 || !strings.HasPrefix(transport.calls[1], "PUT") {
		t.Fatalf("want GET then PUT, got %v", transport.calls)
	}
}

func TestEnsureCollectionDimMismatchIsHardError(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"result":{"config":{"params":{"vectors":{"size":8,"distance":"Cosine"}}}},"status":"ok"}`), nil
	}}
	c := newTestClient(t, transport)
	err := c.EnsureCollection(context.Background(), "chapters")
	var opError *OperationError
	if !errors.As(err, &opError) {
		t.Fatalf("want OperationError got %v", err)
	}
	if opError.Code != OperationErrorDimMismatch {
		t.Fatalf("want=%s got=%s", OperationErrorDimMismatch, opError.Code)
	}
}

func TestUpsertPointsMapsDeterministicIDs(t *testing.T) {
	var captured struct {
		Points []struct {
			ID      string         `json:"id"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	}
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
			t.Fatalf("decode upsert body: %v", err)
		}
		return jsonResponse(200, `{"result":{"status":"acknowledged"},"status":"ok"}`), nil
	}}
	c := newTestClient(t, transport)

	points := []Point{{
		ID:      "book_ch001_abc123",
		Vector:  []float32{0.1, 0.2, 0.3, 0.4},
		Payload: map[string]any{"chapter_id": "book_ch001_abc123"},
	}}
	if err := c.UpsertPoints(context.Background(), "chapters", points); err != nil {
		t.Fatalf("UpsertPoints: %v", err)
	}
	if len(captured.Points) != 1 {
		t.Fatalf("want 1 point got %d", len(captured.Points))
	}
	if captured.Points[0].ID != PointID("chapters", "book_ch001_abc123") {
		t.Fatalf("point id must be the deterministic UUID, got %q", captured.Points[0].ID)
	}
	if !strings.HasSuffix(transport.calls[0], "/collections/chapters/points") {
		t.Fatalf("unexpected call %q", transport.calls[0])
	}
}

func TestUpsertPointsRejectsWrongDimension(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		t.Fatalf("invalid points must never reach the wire")
		return nil, nil
	}}
	c := newTestClient(t, transport)
	err := c.UpsertPoints(context.Background(), "chapters", []Point{{
		ID:     "x",
		Vector: []float32{0.1, 0.2},
	}})
	var opError *OperationError
	if !errors.As(err, &opError) || opError.Code != OperationErrorDimMismatch {
		t.Fatalf("want dimension_mismatch got %v", err)
	}
}

func TestUpsertPointsEmptyIsNoop(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		t.Fatalf("empty upsert must not call the store")
		return nil, nil
	}}
	c := newTestClient(t, transport)
	if err := c.UpsertPoints(context.Background(), "chapters", nil); err != nil {
		t.Fatalf("want=nil got=%v", err)
	}
}

func TestCountPoints(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode count body: %v", err)
		}
		if body["exact"] != true {
			t.Fatalf("count must be exact, body=%v", body)
		}
		return jsonResponse(200, `{"result":{"count":42},"status":"ok"}`), nil
	}}
	c := newTestClient(t, transport)
	count, err := c.CountPoints(context.Background(), "chapters")
	if err != nil {
		t.Fatalf("CountPoints: %v", err)
	}
	if count != 42 {
		t.Fatalf("want=42 got=%d", count)
	}
}

func TestDoJSONSurfacesEnvelopeError(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"result":null,"status":{"error":"wrong input: shard down"}}`), nil
	}}
	c := newTestClient(t, transport)
	err := c.ClearPoints(context.Background(), "chapters")
	var opError *OperationError
	if !errors.As(err, &opError) || opError.Code != OperationErrorRequestFailed {
		t.Fatalf("want request_failed got %v", err)
	}
	if !strings.Contains(opError.Message, "shard down") {
		t.Fatalf("envelope error message lost: %q", opError.Message)
	}
}

func TestDoJSONClassifiesTransportError(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	c := newTestClient(t, transport)
	err := c.Ready(context.Background())
	var opError *OperationError
	if !errors.As(err, &opError) || opError.Code != OperationErrorTransportFailed {
		t.Fatalf("want transport_failed got %v", err)
	}
}

func TestReadyNonOKStatus(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(503, ""), nil
	}}
	c := newTestClient(t, transport)
	err := c.Ready(context.Background())
	var opError *OperationError
	if !errors.As(err, &opError) || opError.Code != OperationErrorRequestFailed {
		t.Fatalf("want request_failed got %v", err)
	}
	if opError.StatusCode != 503 {
		t.Fatalf("want status=503 got %d", opError.StatusCode)
	}
}
