// Package registry fetches the authoritative list of cluster member
// addresses from the external registry service.
//
// Failures here are never fatal to the caller: a transient registry outage
// means "keep the last known membership", not "the cluster is gone".
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "registry")

// connectTimeout bounds establishing the TCP connection; total bounds the
// whole round trip including response body read.
const (
	connectTimeout = 10 * time.Second
	totalTimeout   = 30 * time.Second
)

// Client queries one registry endpoint for an application's member list.
type Client struct {
	baseURL string
	appName string
	http    *http.Client
}

// New builds a registry Client. baseURL is the registry root, e.g.
// "https://explorer.runonflux.io/api"; appName is the APP_NAME query key.
func New(baseURL, appName string) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		baseURL: baseURL,
		appName: appName,
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
	}
}

type locationResponse struct {
	Status string `json:"status"`
	Data   []struct {
		IP string `json:"ip"`
	} `json:"data"`
}

// FetchMembers returns the deduplicated, sorted list of member addresses
// (port stripped). An error return means the caller should keep its last
// known state rather than treat the cluster as empty.
func (c *Client) FetchMembers(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/apps/location/%s", c.baseURL, c.appName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build registry request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "registry unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var body locationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode registry response")
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("registry status %q", body.Status)
	}

	seen := make(map[string]bool, len(body.Data))
	members := make([]string, 0, len(body.Data))
	for _, entry := range body.Data {
		addr := stripPort(entry.IP)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		members = append(members, addr)
	}

	// The election rule (§4.6) depends on this total order: ascending,
	// octet-wise string compare, which is NOT the same as numeric IP
	// ordering but is what every node agrees on deterministically.
	sort.Strings(members)

	log.WithField("count", len(members)).Debug("fetched registry members")
	return members, nil
}

func stripPort(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err != nil {
		return ip
	}
	return host
}
