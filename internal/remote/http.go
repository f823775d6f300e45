package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/driftq/driftq/internal/record"
)

// Headers used by the sync protocol.
const (
	// protocolHeader carries the client's protocol version on requests.
	protocolHeader = "X-Driftq-Protocol"
	// minProtocolHeader is set by servers to announce the oldest protocol
	// version they still accept.
	minProtocolHeader = "X-Driftq-Min-Protocol"
)

// HTTPEndpoint talks JSON over HTTP to a sync server.
//
// Push maps to POST /v1/mutations; conflicts come back as 409 with the
// remote state in the body. Pull maps to GET /v1/changes?since=<cursor>.
type HTTPEndpoint struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPEndpoint creates an endpoint for the given base URL.
func NewHTTPEndpoint(baseURL string) *HTTPEndpoint {
	return &HTTPEndpoint{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		timeout: 15 * time.Second,
	}
}

// pushWire is the request body for POST /v1/mutations. Payload travels
// base64-encoded since it is opaque bytes, not necessarily JSON.
type pushWire struct {
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Op           string `json:"op"`
	Payload      []byte `json:"payload,omitempty"`
	LocalVersion int64  `json:"local_version"`
	Priority     int    `json:"priority"`
}

// acceptedWire is the 200 response body.
type acceptedWire struct {
	Version int64 `json:"version"`
}

// conflictWire is the 409 response body.
type conflictWire struct {
	RemotePayload  []byte `json:"remote_payload,omitempty"`
	RemoteVersion  int64  `json:"remote_version"`
	RemotePriority int    `json:"remote_priority"`
}

// Push offers one mutation to the server.
func (e *HTTPEndpoint) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	body, err := json.Marshal(pushWire{
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Op:           req.Op.String(),
		Payload:      req.Payload,
		LocalVersion: req.LocalVersion,
		Priority:     req.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(protocolHeader, ProtocolVersion)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkProtocol(resp); err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var accepted acceptedWire
		if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
			return nil, fmt.Errorf("failed to decode push response: %w", err)
		}
		return &PushResult{Outcome: PushAccepted, NewVersion: accepted.Version}, nil

	case resp.StatusCode == http.StatusConflict:
		var conflict conflictWire
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &PushResult{
			Outcome:        PushConflict,
			RemotePayload:  conflict.RemotePayload,
			RemoteVersion:  conflict.RemoteVersion,
			RemotePriority: conflict.RemotePriority,
		}, nil

	default:
		return nil, classifyStatus(resp)
	}
}

// pullWire is the GET /v1/changes response body.
type pullWire struct {
	Changes []struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Op         string `json:"op"`
		Payload    []byte `json:"payload,omitempty"`
		Version    int64  `json:"version"`
		Priority   int    `json:"priority"`
	} `json:"changes"`
	NextCursor string `json:"next_cursor"`
}

// Pull fetches remote changes after the given cursor.
func (e *HTTPEndpoint) Pull(ctx context.Context, since string) (*PullResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	pullURL := e.baseURL + "/v1/changes?since=" + url.QueryEscape(since)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	httpReq.Header.Set(protocolHeader, ProtocolVersion)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkProtocol(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var wire pullWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}

	out := &PullResponse{NextCursor: wire.NextCursor}
	for _, c := range wire.Changes {
		op, err := record.ParseOp(c.Op)
		if err != nil {
			return nil, fmt.Errorf("pull change for %s/%s: %w", c.EntityType, c.EntityID, err)
		}
		out.Changes = append(out.Changes, Change{
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Op:         op,
			Payload:    c.Payload,
			Version:    c.Version,
			Priority:   c.Priority,
		})
	}
	return out, nil
}

// checkProtocol refuses to proceed when the server demands a protocol newer
// than this client speaks. Servers that don't send the header are accepted.
func checkProtocol(resp *http.Response) error {
	min := resp.Header.Get(minProtocolHeader)
	if min == "" || !semver.IsValid(min) {
		return nil
	}
	if semver.Compare(min, ProtocolVersion) > 0 {
		return fmt.Errorf("%w: server requires %s, client speaks %s", ErrProtocol, min, ProtocolVersion)
	}
	return nil
}

// classifyStatus turns an unexpected HTTP status into a transient or
// permanent error. Server-side trouble and throttling are transient;
// everything else the server said no to is permanent.
func classifyStatus(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: server returned %d: %s", ErrTransient, resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("%w: server returned %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
