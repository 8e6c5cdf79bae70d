// Package identity resolves this node's externally routable address and
// derives the stable hostname used everywhere in engine configuration.
//
// NAT hairpinning typically fails: a node usually cannot reach its own
// public address. Every peer is therefore referenced by a derived hostname,
// resolved locally via the hosts file — self-hostnames point at loopback,
// peer-hostnames at their public address (see internal/hostsfile).
package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Self is the resolved identity of the local node.
type Self struct {
	Address  string // externally-routable IPv4, e.g. "10.0.0.1"
	Hostname string // derived, e.g. "mongo-10-0-0-1.mongo-cluster"
}

// publicIPProbes are queried in order, 5s timeout each, first valid IPv4 wins.
var publicIPProbes = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
}

var log = logrus.WithField("component", "identity")

// Resolver determines this node's identity per the priority order in spec
// §4.2: local-testing override, operator override, public-IP probes, then
// registry fallback.
type Resolver struct {
	LocalTesting bool
	Override     string // NODE_PUBLIC_IP
	HTTPClient   *http.Client
}

// NewResolver builds a Resolver with the standard 5s-per-probe HTTP client.
func NewResolver(localTesting bool, override string) *Resolver {
	return &Resolver{
		LocalTesting: localTesting,
		Override:     override,
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Resolve implements the priority order. registryMembers is the list of
// addresses last returned by the registry, consulted only as a last resort.
func (r *Resolver) Resolve(ctx context.Context, registryMembers []string) (*Self, error) {
	if r.LocalTesting {
		addr, err := firstPrivateInterfaceAddress()
		if err != nil {
			return nil, errors.Wrap(err, "local testing: no private interface address")
		}
		log.WithField("address", addr).Info("resolved identity from local interface")
		return newSelf(addr), nil
	}

	if r.Override != "" {
		log.WithField("address", r.Override).Info("resolved identity from operator override")
		return newSelf(r.Override), nil
	}

	for _, probe := range publicIPProbes {
		addr, err := r.probe(ctx, probe)
		if err != nil {
			log.WithError(err).WithField("probe", probe).Warn("public IP probe failed")
			continue
		}
		log.WithFields(logrus.Fields{"address": addr, "probe": probe}).Info("resolved identity from public IP probe")
		return newSelf(addr), nil
	}

	// Fall back to the registry: if exactly one node is listed, it must be us.
	if len(registryMembers) == 1 {
		log.WithField("address", registryMembers[0]).Warn("all public IP probes failed, using sole registry member")
		return newSelf(registryMembers[0]), nil
	}
	if len(registryMembers) > 1 {
		if addr, ok := matchesLocalInterface(registryMembers); ok {
			log.WithField("address", addr).Warn("all public IP probes failed, matched registry entry to local interface")
			return newSelf(addr), nil
		}
	}

	return nil, errors.New("identity resolution exhausted: no override, all probes failed, registry ambiguous or empty")
}

func newSelf(addr string) *Self {
	return &Self{Address: addr, Hostname: DeriveHostname(addr)}
}

func (r *Resolver) probe(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	var body [64]byte
	n, _ := resp.Body.Read(body[:])
	ip := strings.TrimSpace(string(body[:n]))
	if net.ParseIP(ip) == nil || strings.Contains(ip, ":") {
		return "", fmt.Errorf("probe %s: invalid IPv4 response %q", url, ip)
	}
	return ip, nil
}

// DeriveHostname is the pure transform from spec §4.2: replace "." with "-",
// prefix "mongo-", suffix ".mongo-cluster". Total and injective on distinct
// IPv4 addresses.
func DeriveHostname(address string) string {
	return "mongo-" + strings.ReplaceAll(address, ".", "-") + ".mongo-cluster"
}

// ParseHostname is the inverse of DeriveHostname, satisfying the round-trip
// law DeriveHostname(ParseHostname(h)) == h for any hostname DeriveHostname
// could have produced.
func ParseHostname(hostname string) (string, bool) {
	const prefix, suffix = "mongo-", ".mongo-cluster"
	if !strings.HasPrefix(hostname, prefix) || !strings.HasSuffix(hostname, suffix) {
		return "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(hostname, prefix), suffix)
	addr := strings.ReplaceAll(body, "-", ".")
	if net.ParseIP(addr) == nil {
		return "", false
	}
	return addr, true
}

func firstPrivateInterfaceAddress() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		if ip4.IsPrivate() {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no non-loopback private IPv4 interface found")
}

func matchesLocalInterface(candidates []string) (string, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", false
	}
	local := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				local[ip4.String()] = true
			}
		}
	}
	for _, c := range candidates {
		if local[c] {
			return c, true
		}
	}
	return "", false
}
