package reconciler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mongosidecar/internal/audit"
)

// stalePrimaryEngine is the subset of *engine.Adapter CheckStalePrimary
// needs, so tests can fake the engine without a live mongod.
type stalePrimaryEngine interface {
	oplogEngine
	IsPrimary(ctx context.Context) bool
	StepDown(ctx context.Context, d time.Duration) error
}

// stalePrimaryStepDown is the duration a detected stale primary yields for,
// per spec §4.7c — long enough that the legitimate new primary's writes
// are durably ahead before this node would attempt to act again.
const stalePrimaryStepDown = 300 * time.Second

// CheckStalePrimary implements §4.7c: a node that is primary but whose
// oplog is strictly behind a reachable peer's was partitioned and is still
// catching up on its belief, not the data. It steps down voluntarily.
// It is a no-op when self is not primary or no peers are known — callers
// run it both once at bootstrap (§4.6, Initialized branch) and every
// reconciliation cycle.
func CheckStalePrimary(ctx context.Context, eng stalePrimaryEngine, peers oplogPeerClient, peerBaseURLs []string, auditLog *audit.Logger) {
	if len(peerBaseURLs) == 0 || !eng.IsPrimary(ctx) {
		return
	}

	selfTS, selfKnown := eng.LatestOplog(ctx)
	for _, url := range peerBaseURLs {
		ts, known, reachable := peers.Oplog(ctx, url)
		if !reachable || !known {
			continue
		}
		if !selfKnown || selfTS.Less(ts) {
			log.WithField("peer", url).Warn("stale primary detected, stepping down")
			if err := eng.StepDown(ctx, stalePrimaryStepDown); err != nil {
				log.WithError(err).Error("stale primary step-down failed")
			}
			if auditLog != nil {
				_ = auditLog.Record(audit.ActionStalePrimary, url, true)
			}
			return
		}
	}
}

var log = logrus.WithField("component", "reconciler")
