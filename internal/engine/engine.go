// Package engine is the narrow, typed adapter over the database engine's
// admin command interface (spec §4.4). Every engine error is normalized to
// internal/enginerr at this boundary — no caller outside this package
// should ever see a raw driver error or inspect its message.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"mongosidecar/internal/enginerr"
)

var log = logrus.WithField("component", "engine")

// StateKind is the variant of observable engine state (spec §3).
type StateKind int

const (
	NotInitialized StateKind = iota
	Initialized
	NeedsAuth
)

// Member is one entry of a replica-set configuration.
type Member struct {
	ID   int    `bson:"_id"`
	Host string `bson:"host"`
}

// Config is the full replica-set configuration, round-tripped through
// get_config/reconfigure. Version must increase monotonically.
type Config struct {
	ID      string   `bson:"_id"`
	Version int      `bson:"version"`
	Members []Member `bson:"members"`
}

// MemberHealth is one member's reported health in replSetGetStatus.
type MemberHealth struct {
	Name      string `bson:"name"`
	Health    int    `bson:"health"`
	StateStr  string `bson:"stateStr"`
}

// State is the full observed engine state.
type State struct {
	Kind         StateKind
	Members      []string
	SelfState    string // e.g. "PRIMARY", "SECONDARY", "STARTUP", "RECOVERING"
	PrimaryHost  string // "" if none
	MemberHealth []MemberHealth
}

// OplogTimestamp is (seconds, counter) with lexicographic ordering, per
// spec §3.
type OplogTimestamp struct {
	Seconds uint32
	Counter uint32
}

// Less reports whether t is strictly earlier than other.
func (t OplogTimestamp) Less(other OplogTimestamp) bool {
	if t.Seconds != other.Seconds {
		return t.Seconds < other.Seconds
	}
	return t.Counter < other.Counter
}

// Adapter owns the engine connection. Reconnection is an internal concern;
// callers treat the connection as opaque (spec §5).
type Adapter struct {
	uri            string
	authenticated  bool
	username       string
	password       string
	replicaSetName string

	mu     sync.Mutex
	client *mongo.Client
}

// New builds an Adapter for the local engine on the given port.
func New(port int, username, password, replicaSetName string) *Adapter {
	return &Adapter{
		uri:            fmt.Sprintf("mongodb://127.0.0.1:%d/admin?directConnection=true", port),
		username:       username,
		password:       password,
		replicaSetName: replicaSetName,
	}
}

// Connect opens a connection to the local engine, trying authenticated
// first (if credentials are configured) and falling back to unauthenticated
// on AuthenticationFailed — the engine's localhost exception is active
// until the first user is created.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.username != "" && a.password != "" {
		client, err := a.dial(ctx, true)
		if err == nil {
			a.client = client
			a.authenticated = true
			return nil
		}
		if !enginerr.Is(err, enginerr.AuthRequired) {
			return err
		}
		log.Debug("authenticated connect failed, retrying unauthenticated")
	}

	client, err := a.dial(ctx, false)
	if err != nil {
		return err
	}
	a.client = client
	a.authenticated = false
	return nil
}

// ConnectAuthenticated forces an authenticated dial, closing any existing
// connection first. Used once the engine is known to require auth (the
// NeedsAuth state) or right after CreateRootUser.
func (a *Adapter) ConnectAuthenticated(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnectAuthenticated(ctx)
}

func (a *Adapter) reconnectAuthenticated(ctx context.Context) error {
	if a.client != nil {
		_ = a.client.Disconnect(context.Background())
		a.client = nil
	}
	client, err := a.dial(ctx, true)
	if err != nil {
		return err
	}
	a.client = client
	a.authenticated = true
	return nil
}

func (a *Adapter) dial(ctx context.Context, withAuth bool) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(a.uri)
	if withAuth {
		opts = opts.SetAuth(options.Credential{Username: a.username, Password: a.password, AuthSource: "admin"})
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, opts)
	if err != nil {
		return nil, enginerr.Wrap(err, 0, err.Error(), true)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classifyConnect(err)
	}
	return client, nil
}

func classifyConnect(err error) error {
	if cmdErr, ok := err.(mongo.CommandError); ok {
		return enginerr.Wrap(err, int(cmdErr.Code), cmdErr.Message, false)
	}
	return enginerr.Wrap(err, 0, err.Error(), true)
}

// reconnect closes the current connection (if any) and dials again,
// preserving whichever auth mode last succeeded.
func (a *Adapter) reconnect(ctx context.Context) error {
	if a.client != nil {
		_ = a.client.Disconnect(context.Background())
		a.client = nil
	}
	client, err := a.dial(ctx, a.authenticated && a.username != "")
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

// Close drains the engine connection.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Disconnect(ctx)
	a.client = nil
	return err
}

func (a *Adapter) admin() *mongo.Database {
	return a.client.Database("admin")
}

type replSetGetStatusResult struct {
	OK      float64 `bson:"ok"`
	MyState int     `bson:"myState"`
	Members []struct {
		Name     string `bson:"name"`
		StateStr string `bson:"stateStr"`
		Health   int    `bson:"health"`
		Self     bool   `bson:"self"`
	} `bson:"members"`
}

const (
	mongoStatePrimary    = 1
	mongoStateSecondary  = 2
	mongoStateStartup    = 0
	mongoStateRecovering = 3
)

func stateLabel(s int) string {
	switch s {
	case mongoStatePrimary:
		return "PRIMARY"
	case mongoStateSecondary:
		return "SECONDARY"
	case mongoStateRecovering:
		return "RECOVERING"
	case mongoStateStartup:
		return "STARTUP"
	default:
		return "STARTUP2"
	}
}

// Status issues the status query and maps the result to the NotInitialized
// | Initialized | NeedsAuth variants (spec §4.4).
func (a *Adapter) Status(ctx context.Context) (*State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result replSetGetStatusResult
	err := a.admin().RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&result)
	if err == nil {
		st := &State{Kind: Initialized}
		for _, m := range result.Members {
			st.Members = append(st.Members, m.Name)
			st.MemberHealth = append(st.MemberHealth, MemberHealth{Name: m.Name, Health: m.Health, StateStr: m.StateStr})
			if m.StateStr == "PRIMARY" {
				st.PrimaryHost = m.Name
			}
			if m.Self {
				st.SelfState = stateLabel(result.MyState)
			}
		}
		if st.SelfState == "" {
			st.SelfState = stateLabel(result.MyState)
		}
		return st, nil
	}

	kind := classifyStatusError(err)
	switch kind {
	case enginerr.NotYetInitialized:
		return &State{Kind: NotInitialized}, nil
	case enginerr.AuthRequired:
		return &State{Kind: NeedsAuth}, nil
	default:
		return nil, classifyConnect(err)
	}
}

func classifyStatusError(err error) enginerr.Kind {
	if cmdErr, ok := err.(mongo.CommandError); ok {
		return enginerr.Classify(int(cmdErr.Code), cmdErr.Message, false)
	}
	return enginerr.Classify(0, err.Error(), false)
}

// IsPrimary issues a hello-style probe and returns true only when the
// engine reports the writable-primary flag. On connection errors, attempts
// a single reconnect before returning false.
func (a *Adapter) IsPrimary(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	ok, err := a.isPrimaryOnce(ctx)
	if err == nil {
		return ok
	}
	if reErr := a.reconnect(ctx); reErr != nil {
		log.WithError(reErr).Warn("reconnect after isPrimary failure did not succeed")
		return false
	}
	ok, err = a.isPrimaryOnce(ctx)
	if err != nil {
		log.WithError(err).Warn("isPrimary still failing after reconnect")
		return false
	}
	return ok
}

func (a *Adapter) isPrimaryOnce(ctx context.Context) (bool, error) {
	var result struct {
		IsWritablePrimary bool `bson:"isWritablePrimary"`
	}
	err := a.admin().RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&result)
	if err != nil {
		return false, err
	}
	return result.IsWritablePrimary, nil
}

// Initiate initializes the replica set with a single-member configuration
// using the given hostname. Idempotent on AlreadyInitialized.
func (a *Adapter) Initiate(ctx context.Context, hostname string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := bson.M{
		"_id": a.replicaSetName,
		"members": []bson.M{
			{"_id": 0, "host": fmt.Sprintf("%s:%d", hostname, port)},
		},
	}
	err := a.admin().RunCommand(ctx, bson.D{{Key: "replSetInitiate", Value: cfg}}).Err()
	if err == nil {
		return nil
	}
	if classifyStatusError(err) == enginerr.AlreadyInitialized {
		return nil
	}
	return classifyConnect(err)
}

// GetConfig round-trips the full replica-set configuration.
func (a *Adapter) GetConfig(ctx context.Context) (*Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result struct {
		Config Config `bson:"config"`
	}
	if err := a.admin().RunCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).Decode(&result); err != nil {
		return nil, classifyConnect(err)
	}
	return &result.Config, nil
}

// Reconfigure submits a new configuration. version must be strictly greater
// than the current version (spec invariant: monotonically increasing).
func (a *Adapter) Reconfigure(ctx context.Context, cfg *Config, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd := bson.D{
		{Key: "replSetReconfig", Value: bson.M{
			"_id":     cfg.ID,
			"version": cfg.Version,
			"members": cfg.Members,
		}},
	}
	if force {
		cmd = append(cmd, bson.E{Key: "force", Value: true})
	}
	if err := a.admin().RunCommand(ctx, cmd).Err(); err != nil {
		return classifyConnect(err)
	}
	return nil
}

// CreateRootUser creates the initial administrative user, then transparently
// reconnects in authenticated mode.
func (a *Adapter) CreateRootUser(ctx context.Context, name, password string) error {
	a.mu.Lock()
	cmd := bson.D{
		{Key: "createUser", Value: name},
		{Key: "pwd", Value: password},
		{Key: "roles", Value: []bson.M{{"role": "root", "db": "admin"}}},
	}
	err := a.admin().RunCommand(ctx, cmd).Err()
	a.mu.Unlock()
	if err != nil {
		return classifyConnect(err)
	}

	a.username, a.password = name, password
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnectAuthenticated(ctx)
}

// StepDown requests the engine relinquish primary for the given duration.
// "not primary" is tolerated as success (spec §7).
func (a *Adapter) StepDown(ctx context.Context, d time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	secs := int(d.Seconds())
	err := a.admin().RunCommand(ctx, bson.D{
		{Key: "replSetStepDown", Value: secs},
		{Key: "secondaryCatchUpPeriodSecs", Value: secs},
	}).Err()
	if err == nil {
		return nil
	}
	if classifyStatusError(err) == enginerr.NotPrimary {
		return nil
	}
	return classifyConnect(err)
}

type oplogEntry struct {
	// TS must be primitive.Timestamp: the oplog's "ts" field is a genuine
	// BSON Timestamp wire value (type 0x11), which the driver's codec
	// registry only decodes into that exact type (or interface{}) — any
	// other destination type, including a same-shape struct, errors out.
	TS primitive.Timestamp `bson:"ts"`
}

// LatestOplog reads the most recent oplog entry's timestamp, most-recent
// first. Returns (zero value, false) if the oplog is empty or unavailable.
func (a *Adapter) LatestOplog(ctx context.Context) (OplogTimestamp, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	coll := a.client.Database("local").Collection("oplog.rs")
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})

	var entry oplogEntry
	if err := coll.FindOne(ctx, bson.D{}, opts).Decode(&entry); err != nil {
		log.WithError(err).Debug("latest oplog unavailable")
		return OplogTimestamp{}, false
	}
	return OplogTimestamp{Seconds: entry.TS.T, Counter: entry.TS.I}, true
}

// WrapConnectErr exposes classifyConnect for callers in this module's test
// package that construct raw driver errors to verify taxonomy mapping.
func WrapConnectErr(err error) error { return classifyConnect(err) }
