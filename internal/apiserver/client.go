package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mongosidecar/internal/engine"
	"mongosidecar/internal/middleware"
)

// peerRPCTimeout bounds a single peer call. A peer that misses this window
// is treated as unreachable — reconciliation abstains rather than blocks
// (spec §4.7a).
const peerRPCTimeout = 3 * time.Second

// PeerClient issues peer RPC calls against another node's apiserver.
type PeerClient struct {
	http *http.Client
}

// NewPeerClient builds a PeerClient with the standard per-call timeout.
func NewPeerClient() *PeerClient {
	return &PeerClient{http: &http.Client{Timeout: peerRPCTimeout}}
}

func (c *PeerClient) get(ctx context.Context, baseURL, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, peerRPCTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(middleware.RequestIDHeader, uuid.NewString())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s%s: status %d", baseURL, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health reports whether the peer answered /health at all. A false return
// means "abstain" — it is not evidence the peer is down for good.
func (c *PeerClient) Health(ctx context.Context, baseURL string) bool {
	var body map[string]interface{}
	return c.get(ctx, baseURL, "/health", &body) == nil
}

// Primary asks whether the peer currently believes it is primary, and who
// it believes the primary is. ok is false when the peer is unreachable —
// callers must abstain, not assume "not primary".
func (c *PeerClient) Primary(ctx context.Context, baseURL string) (claimedPrimary string, isPrimary bool, ok bool) {
	var body struct {
		Primary   *string `json:"primary"`
		IsPrimary bool    `json:"isPrimary"`
	}
	if err := c.get(ctx, baseURL, "/primary", &body); err != nil {
		return "", false, false
	}
	if body.Primary != nil {
		claimedPrimary = *body.Primary
	}
	return claimedPrimary, body.IsPrimary, true
}

// Oplog asks the peer for its latest oplog timestamp.
func (c *PeerClient) Oplog(ctx context.Context, baseURL string) (ts engine.OplogTimestamp, known bool, reachable bool) {
	var body struct {
		Timestamp *struct {
			Time    uint32 `json:"time"`
			Counter uint32 `json:"counter"`
		} `json:"timestamp"`
	}
	if err := c.get(ctx, baseURL, "/oplog", &body); err != nil {
		return engine.OplogTimestamp{}, false, false
	}
	if body.Timestamp == nil {
		return engine.OplogTimestamp{}, false, true
	}
	return engine.OplogTimestamp{Seconds: body.Timestamp.Time, Counter: body.Timestamp.Counter}, true, true
}

// Status fetches the peer's full observed engine state, used during
// discovery-before-init to ask whether any peer already has a replica set.
func (c *PeerClient) Status(ctx context.Context, baseURL string) (*engine.State, bool) {
	var state engine.State
	if err := c.get(ctx, baseURL, "/status", &state); err != nil {
		return nil, false
	}
	return &state, true
}

// Info fetches the peer's self-reported identity.
func (c *PeerClient) Info(ctx context.Context, baseURL string) (hostname string, ok bool) {
	var body struct {
		Hostname string `json:"hostname"`
	}
	if err := c.get(ctx, baseURL, "/info", &body); err != nil {
		return "", false
	}
	return body.Hostname, true
}

// PeerBaseURL builds the base URL this node uses to reach a peer by hostname.
func PeerBaseURL(hostname string, port int) string {
	return fmt.Sprintf("http://%s:%d", hostname, port)
}
