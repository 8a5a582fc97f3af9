package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proxyfleet/internal/model"
)

// Client is a thin HTTP client for the panel API.
type Client struct {
	baseURL string
	token   string

	// HTTPClient carries a 10s timeout by default; callers with their own
	// timeout policy may adjust it before the first request.
	HTTPClient *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port)
// authenticating every call with the shared bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RegisterNode registers a node and returns its assigned ID. Every call
// creates a new node entry.
func (c *Client) RegisterNode(ctx context.Context, req RegisterNodeRequest) (RegisterNodeResponse, error) {
	var resp RegisterNodeResponse
	if err := c.postJSON(ctx, "/api/nodes/register", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Heartbeat reports liveness for a node.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, req HeartbeatRequest) error {
	return c.postJSON(ctx, "/api/nodes/"+url.PathEscape(nodeID)+"/heartbeat", req, nil)
}

// NodeClients fetches the assignment snapshot for a node.
func (c *Client) NodeClients(ctx context.Context, nodeID string) ([]model.ClientDescriptor, error) {
	var resp []model.ClientDescriptor
	if err := c.getJSON(ctx, "/api/nodes/"+url.PathEscape(nodeID)+"/clients", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReportTraffic submits per-client byte deltas observed by a node.
func (c *Client) ReportTraffic(ctx context.Context, nodeID string, report TrafficReport) error {
	return c.postJSON(ctx, "/api/nodes/"+url.PathEscape(nodeID)+"/traffic", report, nil)
}

// ListNodes fetches every registered node.
func (c *Client) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	var resp []NodeRecord
	if err := c.getJSON(ctx, "/api/nodes", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteNode removes a node and its assignments.
func (c *Client) DeleteNode(ctx context.Context, nodeID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/nodes/"+url.PathEscape(nodeID), nil, nil)
}

// RegisterClient stores a caller-minted credential in the directory.
func (c *Client) RegisterClient(ctx context.Context, req RegisterClientRequest) (ClientRecord, error) {
	var resp ClientRecord
	if err := c.postJSON(ctx, "/api/clients", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// ListClients fetches every directory entry with its usage ledger.
func (c *Client) ListClients(ctx context.Context) ([]ClientRecord, error) {
	var resp []ClientRecord
	if err := c.getJSON(ctx, "/api/clients", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateClient mutates directory fields for one client.
func (c *Client) UpdateClient(ctx context.Context, clientID string, req UpdateClientRequest) (ClientRecord, error) {
	var resp ClientRecord
	if err := c.doJSON(ctx, http.MethodPatch, "/api/clients/"+url.PathEscape(clientID), req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// DeleteClient removes a client, its assignments and its traffic history.
func (c *Client) DeleteClient(ctx context.Context, clientID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/clients/"+url.PathEscape(clientID), nil, nil)
}

// Assign places a client on a node. Repeats are no-ops.
func (c *Client) Assign(ctx context.Context, clientID, nodeID string) error {
	return c.doJSON(ctx, http.MethodPut, assignmentPath(clientID, nodeID), nil, nil)
}

// Unassign removes a client from a node. Repeats are no-ops.
func (c *Client) Unassign(ctx context.Context, clientID, nodeID string) error {
	return c.doJSON(ctx, http.MethodDelete, assignmentPath(clientID, nodeID), nil, nil)
}

// Stats fetches fleet and directory counters.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	if err := c.getJSON(ctx, "/api/stats", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func assignmentPath(clientID, nodeID string) string {
	return "/api/clients/" + url.PathEscape(clientID) + "/nodes/" + url.PathEscape(nodeID)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(raw))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &Error{Kind: classify(res.StatusCode), Code: res.StatusCode, Status: res.Status, Msg: msg}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Kind: KindMalformed, Code: res.StatusCode, Status: res.Status, Err: err}
	}
	return nil
}
