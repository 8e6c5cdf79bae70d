package reconciler

import (
	"context"

	"mongosidecar/internal/engine"
)

// oplogEngine is the subset of *engine.Adapter the safety checks in this
// file need, so tests can fake the engine without a live mongod.
type oplogEngine interface {
	LatestOplog(ctx context.Context) (engine.OplogTimestamp, bool)
}

// oplogPeerClient is the subset of *apiserver.PeerClient the safety checks
// need, so tests can fake peer responses without real HTTP servers.
type oplogPeerClient interface {
	Oplog(ctx context.Context, baseURL string) (ts engine.OplogTimestamp, known bool, reachable bool)
}

// SelfHasNewestOplog implements the safety gate shared by nuclear resync
// (§4.7b steps 1-2) and single-member self-heal (§4.7d): compare this
// node's latest oplog timestamp against every reachable peer's. Peers that
// don't answer are abstentions, not votes against self. Ties and the
// no-peer-data case both count as "self is newest" — the safe default is
// never to treat an unproven peer as strictly ahead.
func SelfHasNewestOplog(ctx context.Context, eng oplogEngine, peers oplogPeerClient, peerBaseURLs []string) bool {
	selfTS, selfKnown := eng.LatestOplog(ctx)
	newest := true

	for _, url := range peerBaseURLs {
		ts, known, reachable := peers.Oplog(ctx, url)
		if !reachable || !known {
			continue
		}
		if !selfKnown || selfTS.Less(ts) {
			newest = false
		}
	}
	return newest
}
