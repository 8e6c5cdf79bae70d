// Package reconciler runs the steady-state control loop: membership sync,
// split-brain detection and recovery, stale-primary self-correction, and
// nuclear resync (spec §4.7).
package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mongosidecar/internal/apiserver"
	"mongosidecar/internal/audit"
	"mongosidecar/internal/cmdutil"
	"mongosidecar/internal/engine"
	"mongosidecar/internal/enginerr"
	"mongosidecar/internal/hostsfile"
	"mongosidecar/internal/identity"
	"mongosidecar/internal/registry"
)

// splitBrainStepDown bounds phase one of split-brain recovery (§4.7a).
const splitBrainStepDown = 60 * time.Second

// splitBrainRecheckWindow bounds how long phase one polls for health after
// reopening the connection.
const splitBrainRecheckWindow = 5 * time.Second

// nuclearResyncGrace is how long nuclear resync waits for the engine
// process to exit cleanly before wiping data (§4.7b step 3).
const nuclearResyncGrace = 5 * time.Second

// Reconciler owns the steady-state loop for one node.
type Reconciler struct {
	self        *identity.Self
	port        int // engine port, used in replica-set member host:port strings
	apiPort     int // peer API port, used to build peer RPC base URLs
	interval    time.Duration
	dataDir     string
	registry    *registry.Client
	hosts       *hostsfile.Manager
	eng         *engine.Adapter
	peers       *apiserver.PeerClient
	auditLog    *audit.Logger
	lastMembers []string

	mu      sync.RWMutex
	desired []string // hostnames, including self
}

// New builds a Reconciler. dataDir is the engine's on-disk data directory,
// wiped only by nuclear resync. port is the engine's listen port (used in
// replica-set member host:port strings); apiPort is the port peers use to
// reach this node's (and its own peers') API server.
func New(self *identity.Self, port, apiPort int, interval time.Duration, dataDir string, reg *registry.Client, hosts *hostsfile.Manager, eng *engine.Adapter, peers *apiserver.PeerClient, auditLog *audit.Logger) *Reconciler {
	return &Reconciler{
		self:     self,
		port:     port,
		apiPort:  apiPort,
		interval: interval,
		dataDir:  dataDir,
		registry: reg,
		hosts:    hosts,
		eng:      eng,
		peers:    peers,
		auditLog: auditLog,
	}
}

// Run executes cycles on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	members, err := r.registry.FetchMembers(ctx)
	if err != nil {
		log.WithError(err).Warn("registry fetch failed, keeping last known membership")
		members = r.lastMembers
	} else {
		r.lastMembers = members
	}

	desired := r.desiredHostnames(members)
	r.mu.Lock()
	r.desired = desired
	r.mu.Unlock()

	for _, addr := range members {
		if addr == r.self.Address {
			continue
		}
		if err := r.hosts.EnsurePeerEntry(identity.DeriveHostname(addr), addr); err != nil {
			log.WithError(err).WithField("address", addr).Warn("failed to write peer hosts entry")
		}
	}

	if !r.eng.IsPrimary(ctx) {
		return
	}

	peerURLs := r.peerBaseURLs(members)

	if len(members) > 1 {
		splitBrain, err := r.checkConsensus(ctx, peerURLs)
		if err != nil {
			log.WithError(err).Warn("consensus check failed")
		}
		if splitBrain {
			r.recoverSplitBrain(ctx, peerURLs)
			return
		}
	}

	CheckStalePrimary(ctx, r.eng, r.peers, peerURLs, r.auditLog)
	if !r.eng.IsPrimary(ctx) {
		return
	}

	r.syncMembership(ctx, desired, peerURLs)
}

func (r *Reconciler) desiredHostnames(members []string) []string {
	seen := map[string]bool{r.self.Hostname: true}
	desired := []string{r.self.Hostname}
	for _, addr := range members {
		if addr == r.self.Address {
			continue
		}
		hn := identity.DeriveHostname(addr)
		if !seen[hn] {
			seen[hn] = true
			desired = append(desired, hn)
		}
	}
	sort.Strings(desired)
	return desired
}

func (r *Reconciler) peerBaseURLs(members []string) []string {
	urls := make([]string, 0, len(members))
	for _, addr := range members {
		if addr == r.self.Address {
			continue
		}
		urls = append(urls, apiserver.PeerBaseURL(identity.DeriveHostname(addr), r.apiPort))
	}
	return urls
}

// checkConsensus implements §4.7 step 4: majority vote on who is primary.
func (r *Reconciler) checkConsensus(ctx context.Context, peerURLs []string) (splitBrain bool, err error) {
	votes := map[string]int{}
	for _, url := range peerURLs {
		claimed, _, ok := r.peers.Primary(ctx, url)
		if !ok {
			continue
		}
		if claimed != "" {
			votes[claimed]++
		}
	}

	total := len(peerURLs) + 1 // +self
	majority := total/2 + 1
	self := hostWithPort(r.self.Hostname, r.port)

	for host, count := range votes {
		if count >= majority && host != self {
			log.WithFields(map[string]interface{}{"claimed_primary": host, "votes": count, "majority": majority}).
				Warn("majority disagrees with self on primary identity")
			return true, nil
		}
	}
	return false, nil
}

// syncMembership implements §4.7 steps 5-8.
func (r *Reconciler) syncMembership(ctx context.Context, desired []string, peerURLs []string) {
	cfg, err := r.eng.GetConfig(ctx)
	if err != nil {
		log.WithError(err).Warn("get_config failed")
		return
	}

	currentHosts := map[string]bool{}
	maxID := 0
	for _, m := range cfg.Members {
		currentHosts[m.Host] = true
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	desiredHosts := map[string]bool{}
	for _, hn := range desired {
		desiredHosts[hostWithPort(hn, r.port)] = true
	}

	var toAdd []string
	for host := range desiredHosts {
		if !currentHosts[host] {
			toAdd = append(toAdd, host)
		}
	}
	selfHost := hostWithPort(r.self.Hostname, r.port)
	var toRemove []int
	for i, m := range cfg.Members {
		if m.Host == selfHost {
			continue
		}
		if !desiredHosts[m.Host] {
			toRemove = append(toRemove, i)
		}
	}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return
	}

	if !r.eng.IsPrimary(ctx) {
		return
	}

	removeSet := map[int]bool{}
	for _, i := range toRemove {
		removeSet[cfg.Members[i].ID] = true
	}
	newMembers := make([]engine.Member, 0, len(cfg.Members)+len(toAdd))
	for _, m := range cfg.Members {
		if !removeSet[m.ID] {
			newMembers = append(newMembers, m)
		}
	}
	nextID := maxID + 1
	for _, host := range toAdd {
		newMembers = append(newMembers, engine.Member{ID: nextID, Host: host})
		nextID++
	}

	newCfg := &engine.Config{ID: cfg.ID, Version: cfg.Version + 1, Members: newMembers}
	if err := r.eng.Reconfigure(ctx, newCfg, false); err != nil {
		if enginerr.Is(err, enginerr.ReplicaSetMismatch) {
			log.Warn("replica set id mismatch on reconfigure, escalating to nuclear resync")
			if r.auditLog != nil {
				_ = r.auditLog.Record(audit.ActionNuclearResync, "replica set id mismatch", false)
			}
			r.nuclearResync(ctx, peerURLs)
			return
		}
		log.WithError(err).Warn("reconfigure failed")
		return
	}

	if r.auditLog != nil {
		_ = r.auditLog.Record(audit.ActionMembershipChanged, fmt.Sprintf("added=%v removed=%d", toAdd, len(toRemove)), true)
	}
}

func hostWithPort(hostname string, port int) string {
	return fmt.Sprintf("%s:%d", hostname, port)
}

// recoverSplitBrain implements §4.7a.
func (r *Reconciler) recoverSplitBrain(ctx context.Context, peerURLs []string) {
	log.Warn("split-brain detected, entering recovery")
	if r.auditLog != nil {
		_ = r.auditLog.Record(audit.ActionSplitBrainDetected, "majority disagrees with self", false)
	}

	stepErr := r.eng.StepDown(ctx, splitBrainStepDown)
	if stepErr != nil {
		log.WithError(stepErr).Warn("split-brain step-down failed")
	}
	if r.auditLog != nil {
		_ = r.auditLog.Record(audit.ActionStepDown, "split-brain recovery phase one", stepErr == nil)
	}
	if err := r.eng.Connect(ctx); err != nil {
		log.WithError(err).Warn("reconnect after split-brain step-down failed")
	}

	deadline := time.Now().Add(splitBrainRecheckWindow)
	for time.Now().Before(deadline) {
		state, err := r.eng.Status(ctx)
		if err == nil && state.Kind == engine.Initialized {
			log.Info("split-brain recovery phase one succeeded")
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	log.Warn("split-brain recovery phase one did not resolve, escalating to nuclear resync")
	r.nuclearResync(ctx, peerURLs)
}

// nuclearResync implements §4.7b.
func (r *Reconciler) nuclearResync(ctx context.Context, peerURLs []string) {
	if SelfHasNewestOplog(ctx, r.eng, r.peers, peerURLs) {
		log.Warn("nuclear resync aborted: self holds the newest data, waiting for peers to realign")
		if r.auditLog != nil {
			_ = r.auditLog.Record(audit.ActionNuclearResync, "aborted: self holds the newest data", false)
		}
		return
	}

	log.Warn("nuclear resync proceeding: a peer has strictly newer data")
	if r.auditLog != nil {
		_ = r.auditLog.Record(audit.ActionNuclearResync, "wiping local data directory", true)
	}

	_ = r.eng.Close(ctx)
	if _, err := cmdutil.RunFast("pkill", "-TERM", "mongod"); err != nil {
		log.WithError(err).Warn("failed to signal engine process for termination")
	}
	time.Sleep(nuclearResyncGrace)

	if err := wipeDataDir(r.dataDir); err != nil {
		log.WithError(err).Error("failed to wipe data directory")
	}

	os.Exit(1)
}

func wipeDataDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// CurrentState implements apiserver.StatusProvider.
func (r *Reconciler) CurrentState() (*engine.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.eng.Status(ctx)
}

// IsPrimary implements apiserver.StatusProvider.
func (r *Reconciler) IsPrimary() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.eng.IsPrimary(ctx)
}

// PrimaryHost implements apiserver.StatusProvider.
func (r *Reconciler) PrimaryHost() string {
	state, err := r.CurrentState()
	if err != nil {
		return ""
	}
	return state.PrimaryHost
}

// Oplog implements apiserver.StatusProvider.
func (r *Reconciler) Oplog() (engine.OplogTimestamp, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.eng.LatestOplog(ctx)
}

// Members implements apiserver.StatusProvider.
func (r *Reconciler) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.desired...)
}
