package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/bookgraph/internal/platform/logger"
)

const maxErrorBodyBytes = 1024

var pointIDNamespaceUUID = uuid.MustParse("7b9f3d8a-5c11-4f6e-9a02-c4de81b6a743")

type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

type Client struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

func NewClient(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		log:     log.With("client", "QdrantDB"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	return c, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

// Ready probes the /readyz endpoint. Callers treat a failure here as the
// store being unavailable for the whole run.
func (c *Client) Ready(ctx context.Context) error {
	const op = "ready"
	req, err := http.NewRequestWithContext(defaultCtx(ctx), http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", resp.StatusCode),
		}
	}
	return nil
}

// EnsureCollection creates the collection if absent and verifies that an
// existing collection matches the configured dimensionality. A size mismatch
// is a hard error: re-creating a live collection would discard seeded points.
func (c *Client) EnsureCollection(ctx context.Context, collection string) error {
	const op = "ensure_collection"
	if strings.TrimSpace(collection) == "" {
		return opErr(op, OperationErrorValidation, "collection name required", nil)
	}

	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := c.doJSON(ctx, op, http.MethodGet, "/collections/"+collection, nil, &info)
	if err == nil {
		size := info.Config.Params.Vectors.Size
		if size != 0 && size != c.cfg.VectorDim {
			return &OperationError{
				Code:      OperationErrorDimMismatch,
				Operation: op,
				Message: fmt.Sprintf(
					"collection %q vector size mismatch: expected=%d actual=%d",
					collection,
					c.cfg.VectorDim,
					size,
				),
			}
		}
		return nil
	}
	var opErrTyped *OperationError
	if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
		return err
	}

	req := map[string]any{
		"vectors": map[string]any{
			"size":     c.cfg.VectorDim,
			"distance": c.cfg.Distance,
		},
	}
	if err := c.doJSON(ctx, op, http.MethodPut, "/collections/"+collection, req, nil); err != nil {
		return err
	}
	c.log.Info("created qdrant collection",
		"collection", collection,
		"vector_dim", c.cfg.VectorDim,
		"distance", c.cfg.Distance,
	)
	return nil
}

// UpsertPoints writes points with deterministic ids derived from the entity
// identifier, so re-running with the same input overwrites in place.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	body := make([]map[string]any, 0, len(points))
	for _, p := range points {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if len(p.Vector) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("point %q has empty vector", id), nil)
		}
		if len(p.Vector) != c.cfg.VectorDim {
			return opErr(
				op,
				OperationErrorDimMismatch,
				fmt.Sprintf(
					"point %q dimension mismatch: expected=%d got=%d",
					id,
					c.cfg.VectorDim,
					len(p.Vector),
				),
				nil,
			)
		}
		body = append(body, map[string]any{
			"id":      PointID(collection, id),
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}

	req := map[string]any{"points": body}
	return c.doJSON(ctx, op, http.MethodPut, "/collections/"+collection+"/points?wait=true", req, nil)
}

func (c *Client) CountPoints(ctx context.Context, collection string) (int, error) {
	const op = "count"
	var result struct {
		Count int `json:"count"`
	}
	req := map[string]any{"exact": true}
	if err := c.doJSON(ctx, op, http.MethodPost, "/collections/"+collection+"/points/count", req, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// ClearPoints removes every point in the collection but keeps the collection
// and its vector schema. Used by clear-then-seed runs.
func (c *Client) ClearPoints(ctx context.Context, collection string) error {
	const op = "clear"
	req := map[string]any{"filter": map[string]any{}}
	return c.doJSON(ctx, op, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", req, nil)
}

// PointID maps an entity identifier to a deterministic UUID point id.
func PointID(collection, entityID string) string {
	return uuid.NewSHA1(pointIDNamespaceUUID, []byte(collection+"|"+entityID)).String()
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(defaultCtx(ctx), method, c.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") || strings.EqualFold(statusString, "acknowledged") || strings.EqualFold(statusString, "completed") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func defaultCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
