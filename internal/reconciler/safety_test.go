package reconciler

import (
	"context"
	"testing"

	"mongosidecar/internal/engine"
)

// fakeOplogEngine is a test double for oplogEngine.
type fakeOplogEngine struct {
	ts    engine.OplogTimestamp
	known bool
}

func (f fakeOplogEngine) LatestOplog(ctx context.Context) (engine.OplogTimestamp, bool) {
	return f.ts, f.known
}

// fakePeerClient is a test double for oplogPeerClient. responses maps a
// peer base URL to its canned Oplog reply.
type fakePeerClient struct {
	responses map[string]peerOplogResponse
}

type peerOplogResponse struct {
	ts        engine.OplogTimestamp
	known     bool
	reachable bool
}

func (f fakePeerClient) Oplog(ctx context.Context, baseURL string) (engine.OplogTimestamp, bool, bool) {
	resp, ok := f.responses[baseURL]
	if !ok {
		return engine.OplogTimestamp{}, false, false
	}
	return resp.ts, resp.known, resp.reachable
}

func TestSelfHasNewestOplogNoPeers(t *testing.T) {
	eng := fakeOplogEngine{ts: engine.OplogTimestamp{Seconds: 10}, known: true}
	peers := fakePeerClient{responses: map[string]peerOplogResponse{}}

	if !SelfHasNewestOplog(context.Background(), eng, peers, nil) {
		t.Error("SelfHasNewestOplog = false, want true with no peers")
	}
}

func TestSelfHasNewestOplogUnreachablePeersAbstain(t *testing.T) {
	eng := fakeOplogEngine{ts: engine.OplogTimestamp{Seconds: 10}, known: true}
	peers := fakePeerClient{responses: map[string]peerOplogResponse{
		"http://peer-a": {reachable: false},
		"http://peer-b": {known: false, reachable: true},
	}}

	if !SelfHasNewestOplog(context.Background(), eng, peers, []string{"http://peer-a", "http://peer-b"}) {
		t.Error("SelfHasNewestOplog = false, want true when every peer abstains")
	}
}

func TestSelfHasNewestOplogPeerStrictlyAhead(t *testing.T) {
	// The exact scenario the oplog-decode bug prevented from ever firing:
	// a reachable peer with a genuinely newer oplog timestamp must flip the
	// result to false.
	eng := fakeOplogEngine{ts: engine.OplogTimestamp{Seconds: 10}, known: true}
	peers := fakePeerClient{responses: map[string]peerOplogResponse{
		"http://peer-a": {ts: engine.OplogTimestamp{Seconds: 20}, known: true, reachable: true},
	}}

	if SelfHasNewestOplog(context.Background(), eng, peers, []string{"http://peer-a"}) {
		t.Error("SelfHasNewestOplog = true, want false when a reachable peer is strictly ahead")
	}
}

func TestSelfHasNewestOplogSelfAheadOrTied(t *testing.T) {
	eng := fakeOplogEngine{ts: engine.OplogTimestamp{Seconds: 20}, known: true}
	peers := fakePeerClient{responses: map[string]peerOplogResponse{
		"http://peer-a": {ts: engine.OplogTimestamp{Seconds: 20}, known: true, reachable: true},
		"http://peer-b": {ts: engine.OplogTimestamp{Seconds: 5}, known: true, reachable: true},
	}}

	if !SelfHasNewestOplog(context.Background(), eng, peers, []string{"http://peer-a", "http://peer-b"}) {
		t.Error("SelfHasNewestOplog = false, want true when self is tied or ahead of every peer")
	}
}

func TestSelfHasNewestOplogSelfUnknownWithKnownPeer(t *testing.T) {
	eng := fakeOplogEngine{known: false}
	peers := fakePeerClient{responses: map[string]peerOplogResponse{
		"http://peer-a": {ts: engine.OplogTimestamp{Seconds: 1}, known: true, reachable: true},
	}}

	if SelfHasNewestOplog(context.Background(), eng, peers, []string{"http://peer-a"}) {
		t.Error("SelfHasNewestOplog = true, want false when self's oplog is unknown but a peer's is known")
	}
}
