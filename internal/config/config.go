// Package config loads the controller's environment-variable configuration.
//
// Every field here corresponds to a variable in the operator-facing table:
// registry/app identity, engine connection details, cluster auth material,
// reconciliation cadence, and the REST/peer API listen ports.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full set of environment-derived settings for one controller
// instance. It is read once at startup; nothing here changes for the life of
// the process.
type Config struct {
	// AppName is the registry query key — the registry groups addresses by
	// application, and this is the group this cluster's nodes belong to.
	AppName string `envconfig:"APP_NAME" default:"mongo-cluster"`

	// ReplicaSetName is the engine's replica set identifier.
	ReplicaSetName string `envconfig:"MONGO_REPLICA_SET_NAME" default:"rs0"`

	// MongoPort is the engine's listen port, also used when deriving
	// peer hostnames' connection strings.
	MongoPort int `envconfig:"MONGO_PORT" default:"27017"`

	// RootUsername/RootPassword are the admin credentials created on the
	// founder node and used by every node to authenticate thereafter.
	RootUsername string `envconfig:"MONGO_INITDB_ROOT_USERNAME"`
	RootPassword string `envconfig:"MONGO_INITDB_ROOT_PASSWORD"`

	// Keyfile material is consumed by the boot wrapper (out of scope here);
	// these fields are loaded but not read anywhere in this controller.
	KeyfilePassphrase string `envconfig:"MONGO_KEYFILE_PASSPHRASE"`
	KeyfileSalt       string `envconfig:"MONGO_KEYFILE_SALT"`
	KeyfileContent    string `envconfig:"MONGO_KEYFILE_CONTENT"`

	// ReconcileIntervalMS is the steady-state reconciliation cycle length.
	ReconcileIntervalMS int `envconfig:"RECONCILE_INTERVAL" default:"30000"`

	// APIPort is the port the admin/peer HTTP server binds locally.
	APIPort int `envconfig:"API_PORT" default:"3000"`
	// ExternalAPIPort is the port peers use to reach this node's API server,
	// which can differ from APIPort behind port-forwarding NAT.
	ExternalAPIPort int `envconfig:"EXTERNAL_API_PORT" default:"3000"`

	// FluxAPIOverride, when set, replaces the default registry base URL and
	// also flips the controller into local-testing mode (§4.2 priority 1):
	// identity resolution prefers a private interface address over public
	// IP discovery, which is what you want when every node is actually a
	// container on one Docker bridge network.
	FluxAPIOverride string `envconfig:"FLUX_API_OVERRIDE"`

	// NodePublicIP, when set, is used verbatim as this node's address
	// (§4.2 priority 2), skipping both local-interface and public-IP
	// discovery.
	NodePublicIP string `envconfig:"NODE_PUBLIC_IP"`
}

const defaultRegistryBase = "https://explorer.runonflux.io/api"

// Load reads and validates configuration from the process environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &c, nil
}

// LocalTesting reports whether the controller should resolve identity using
// a private interface address instead of public-IP probes (§4.2 priority 1).
func (c *Config) LocalTesting() bool {
	return strings.TrimSpace(c.FluxAPIOverride) != ""
}

// RegistryBaseURL returns the base URL queried for cluster membership.
func (c *Config) RegistryBaseURL() string {
	if c.LocalTesting() {
		return c.FluxAPIOverride
	}
	return defaultRegistryBase
}

// HasRootCredentials reports whether admin credentials are configured.
func (c *Config) HasRootCredentials() bool {
	return c.RootUsername != "" && c.RootPassword != ""
}
