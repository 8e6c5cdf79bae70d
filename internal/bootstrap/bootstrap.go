// Package bootstrap implements the one-shot startup procedure that runs
// once, before the reconciler's steady-state loop begins (spec §4.6):
// identity resolution, discovery-before-init, and founder election.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mongosidecar/internal/apiserver"
	"mongosidecar/internal/audit"
	"mongosidecar/internal/config"
	"mongosidecar/internal/engine"
	"mongosidecar/internal/hostsfile"
	"mongosidecar/internal/identity"
	"mongosidecar/internal/reconciler"
	"mongosidecar/internal/registry"
)

var log = logrus.WithField("component", "bootstrap")

const (
	selfReachabilityAttempts = 3
	selfReachabilityInterval = 2 * time.Second
	founderWaitTimeout       = 5 * time.Minute
	founderWaitPoll          = 10 * time.Second
)

// Coordinator runs the bootstrap procedure exactly once.
type Coordinator struct {
	cfg      *config.Config
	resolver *identity.Resolver
	registry *registry.Client
	hosts    *hostsfile.Manager
	eng      *engine.Adapter
	peers    *apiserver.PeerClient
	auditLog *audit.Logger
}

// New builds a Coordinator from already-constructed component adapters.
func New(cfg *config.Config, resolver *identity.Resolver, reg *registry.Client, hosts *hostsfile.Manager, eng *engine.Adapter, peers *apiserver.PeerClient, auditLog *audit.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, resolver: resolver, registry: reg, hosts: hosts, eng: eng, peers: peers, auditLog: auditLog}
}

// Run executes the single-pass bootstrap procedure and returns the
// resolved self identity for the caller to hand to the reconciler and
// apiserver.
func (c *Coordinator) Run(ctx context.Context) (*identity.Self, error) {
	if c.auditLog != nil {
		_ = c.auditLog.Record(audit.ActionBootstrapStart, "", true)
	}

	members, regErr := c.registry.FetchMembers(ctx)
	if regErr != nil {
		log.WithError(regErr).Warn("initial registry fetch failed")
	}

	self, err := c.resolver.Resolve(ctx, members)
	if err != nil {
		return nil, errors.Wrap(err, "identity resolution failed")
	}
	log.WithFields(logrus.Fields{"address": self.Address, "hostname": self.Hostname}).Info("resolved self identity")

	if err := c.hosts.EnsureSelfEntry(self.Hostname, self.Address, c.cfg.LocalTesting()); err != nil {
		return nil, errors.Wrap(err, "writing self hosts entry")
	}
	var peerAddrs []string
	for _, addr := range members {
		if addr == self.Address {
			continue
		}
		peerAddrs = append(peerAddrs, addr)
		if err := c.hosts.EnsurePeerEntry(identity.DeriveHostname(addr), addr); err != nil {
			log.WithError(err).WithField("address", addr).Warn("failed to write peer hosts entry")
		}
	}

	if err := c.hosts.EnsureHostsFilePreferred(); err != nil {
		log.WithError(err).Warn("failed to rewrite nsswitch configuration")
	}

	delay := jitterDelay(len(peerAddrs) > 0)
	if delay > 0 {
		log.WithField("delay", delay).Info("applying startup jitter")
		time.Sleep(delay)
	}

	if err := c.eng.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "connecting to local engine")
	}

	state, err := c.eng.Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading engine status")
	}

	peerURLs := make([]string, len(peerAddrs))
	for i, addr := range peerAddrs {
		peerURLs[i] = apiserver.PeerBaseURL(identity.DeriveHostname(addr), c.cfg.ExternalAPIPort)
	}

	switch state.Kind {
	case engine.NeedsAuth:
		if err := c.eng.ConnectAuthenticated(ctx); err != nil {
			return nil, errors.Wrap(err, "authenticated reconnect")
		}
	case engine.Initialized:
		if err := c.eng.ConnectAuthenticated(ctx); err != nil {
			log.WithError(err).Warn("authenticated reconnect failed on already-initialized set")
		}
		reconciler.CheckStalePrimary(ctx, c.eng, c.peers, peerURLs, c.auditLog)
		c.singleMemberSelfHeal(ctx, self, state, peerAddrs, peerURLs)
	case engine.NotInitialized:
		if err := c.discoverAndElect(ctx, self, peerAddrs, peerURLs); err != nil {
			return nil, err
		}
	}

	return self, nil
}

// discoverAndElect implements §4.6 step 4, NotInitialized branch.
func (c *Coordinator) discoverAndElect(ctx context.Context, self *identity.Self, peerAddrs, peerURLs []string) error {
	for _, url := range peerURLs {
		peerState, ok := c.peers.Status(ctx, url)
		if !ok {
			continue
		}
		if peerState.Kind == engine.Initialized {
			log.WithField("peer", url).Info("peer already has an initialized replica set, waiting to be added")
			return c.waitForFounderLedSet(ctx)
		}
	}

	return c.electFounder(ctx, self, peerAddrs, peerURLs)
}

func (c *Coordinator) waitForFounderLedSet(ctx context.Context) error {
	deadline := time.Now().Add(founderWaitTimeout)
	for time.Now().Before(deadline) {
		state, err := c.eng.Status(ctx)
		if err == nil && state.Kind != engine.NotInitialized {
			return c.eng.ConnectAuthenticated(ctx)
		}
		time.Sleep(founderWaitPoll)
	}
	return errors.New("timed out waiting for founder-led replica set to reach this node")
}

// electFounder implements §4.6's founder election.
func (c *Coordinator) electFounder(ctx context.Context, self *identity.Self, peerAddrs, peerURLs []string) error {
	selfURL := apiserver.PeerBaseURL(self.Hostname, c.cfg.ExternalAPIPort)
	selfReachable := c.probeSelfReachable(ctx, selfURL)

	addresses := append([]string{self.Address}, peerAddrs...)
	sortedAddresses := sortedCopy(addresses)

	if selfReachable && sortedAddresses[0] == self.Address {
		return c.initiateAsFounder(ctx, self)
	}

	deadline := time.Now().Add(founderWaitTimeout)
	for time.Now().Before(deadline) {
		state, err := c.eng.Status(ctx)
		if err == nil && state.Kind != engine.NotInitialized {
			return c.eng.ConnectAuthenticated(ctx)
		}
		time.Sleep(founderWaitPoll)
	}

	// Founder wait expired: re-probe reachability among currently reachable
	// peers and, if self is the smallest reachable address and reachable
	// via its own hostname, take over.
	reachable := []string{}
	if selfReachable {
		reachable = append(reachable, self.Address)
	}
	for i, addr := range peerAddrs {
		if c.peers.Health(ctx, peerURLs[i]) {
			reachable = append(reachable, addr)
		}
	}
	if len(reachable) == 0 {
		return errors.New("founder wait expired and no node is reachable")
	}
	sortedReachable := sortedCopy(reachable)
	if selfReachable && sortedReachable[0] == self.Address {
		return c.initiateAsFounder(ctx, self)
	}

	return errors.New("founder wait expired and this node is not eligible to take over")
}

func (c *Coordinator) initiateAsFounder(ctx context.Context, self *identity.Self) error {
	log.Info("elected as founder, initiating replica set")
	if err := c.eng.Initiate(ctx, self.Hostname, c.cfg.MongoPort); err != nil {
		return errors.Wrap(err, "replica set initiate")
	}
	if c.auditLog != nil {
		_ = c.auditLog.Record(audit.ActionFounderElected, self.Hostname, true)
		_ = c.auditLog.Record(audit.ActionReplicaSetInit, c.cfg.ReplicaSetName, true)
	}
	if c.cfg.HasRootCredentials() {
		if err := c.eng.CreateRootUser(ctx, c.cfg.RootUsername, c.cfg.RootPassword); err != nil {
			return errors.Wrap(err, "create root user")
		}
		if c.auditLog != nil {
			_ = c.auditLog.Record(audit.ActionRootUserCreated, c.cfg.RootUsername, true)
		}
	}
	return nil
}

func (c *Coordinator) probeSelfReachable(ctx context.Context, selfURL string) bool {
	for i := 0; i < selfReachabilityAttempts; i++ {
		if c.peers.Health(ctx, selfURL) {
			return true
		}
		if i < selfReachabilityAttempts-1 {
			time.Sleep(selfReachabilityInterval)
		}
	}
	return false
}

// singleMemberSelfHeal implements §4.7d. Triggered when self is the only
// *reachable* member of a configured set with no primary — state.Members
// lists every configured member regardless of health, so reachability must
// come from state.MemberHealth instead.
func (c *Coordinator) singleMemberSelfHeal(ctx context.Context, self *identity.Self, state *engine.State, peerAddrs, peerURLs []string) {
	if state.PrimaryHost != "" {
		return
	}
	selfHost := fmt.Sprintf("%s:%d", self.Hostname, c.cfg.MongoPort)
	if otherMemberReachable(state, selfHost) {
		return
	}
	if len(peerAddrs) == 0 {
		return
	}

	log.Warn("single reachable member with no primary at bootstrap, checking safety gate for self-heal")
	if !reconciler.SelfHasNewestOplog(ctx, c.eng, c.peers, peerURLs) {
		log.Warn("a peer has newer data, deferring self-heal")
		return
	}

	cfg, err := c.eng.GetConfig(ctx)
	if err != nil {
		log.WithError(err).Warn("self-heal: get_config failed")
		return
	}
	if len(cfg.Members) <= 1 {
		return
	}

	selfMember := cfg.Members[0]
	for _, m := range cfg.Members {
		if m.Host == selfHost {
			selfMember = m
			break
		}
	}
	newCfg := &engine.Config{ID: cfg.ID, Version: cfg.Version + 1, Members: []engine.Member{selfMember}}
	if err := c.eng.Reconfigure(ctx, newCfg, true); err != nil {
		log.WithError(err).Warn("self-heal force-reconfigure failed")
		return
	}
	if c.auditLog != nil {
		_ = c.auditLog.Record(audit.ActionMembershipChanged, "single-member self-heal", true)
	}
}

// memberHealthUp is replSetGetStatus's health value for a reachable member.
const memberHealthUp = 1

// otherMemberReachable reports whether state.MemberHealth lists any member
// other than selfHost as currently up.
func otherMemberReachable(state *engine.State, selfHost string) bool {
	for _, m := range state.MemberHealth {
		if m.Name == selfHost {
			continue
		}
		if m.Health == memberHealthUp {
			return true
		}
	}
	return false
}

func sortedCopy(addrs []string) []string {
	out := append([]string(nil), addrs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
