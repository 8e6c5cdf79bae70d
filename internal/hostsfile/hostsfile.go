// Package hostsfile maintains the local name->address mappings this node
// needs so that engine configuration can reference hostnames instead of
// raw addresses (see spec §3, "Hostname indirection").
//
// All mutations are idempotent appends: an entry is written only if its
// hostname is not already present, so concurrent callers from bootstrap and
// the reconciler never corrupt the file.
package hostsfile

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "hostsfile")

const (
	defaultHostsPath    = "/etc/hosts"
	defaultNSSwitchPath = "/etc/nsswitch.conf"
	loopback            = "127.0.0.1"
)

// Manager appends entries to the hosts file and ensures name resolution
// prefers it over DNS.
type Manager struct {
	hostsPath    string
	nsswitchPath string
	mu           sync.Mutex
}

// New returns a Manager pointed at the real system hosts file.
func New() *Manager {
	return &Manager{hostsPath: defaultHostsPath, nsswitchPath: defaultNSSwitchPath}
}

// NewAt is used by tests to point the manager at scratch files.
func NewAt(hostsPath, nsswitchPath string) *Manager {
	return &Manager{hostsPath: hostsPath, nsswitchPath: nsswitchPath}
}

// EnsureSelfEntry writes the self hostname -> loopback (or, in local
// testing, -> selfAddress) mapping. Invariant 1: exactly one hostname ever
// maps to loopback in this file, and it is always this call's hostname.
func (m *Manager) EnsureSelfEntry(hostname, selfAddress string, localTesting bool) error {
	target := loopback
	if localTesting {
		target = selfAddress
	}
	return m.ensureEntry(target, hostname)
}

// EnsurePeerEntry writes a peer hostname -> address mapping.
func (m *Manager) EnsurePeerEntry(hostname, address string) error {
	return m.ensureEntry(address, hostname)
}

func (m *Manager) ensureEntry(address, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	present, err := m.hostnamePresent(hostname)
	if err != nil {
		return errors.Wrap(err, "read hosts file")
	}
	if present {
		return nil
	}

	f, err := os.OpenFile(m.hostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open hosts file")
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", address, hostname); err != nil {
		return errors.Wrap(err, "write hosts entry")
	}
	log.WithFields(logrus.Fields{"hostname": hostname, "address": address}).Info("added hosts entry")
	return nil
}

func (m *Manager) hostnamePresent(hostname string) (bool, error) {
	f, err := os.Open(m.hostsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		for _, field := range fields[1:] {
			if field == hostname {
				return true, nil
			}
		}
	}
	return false, scanner.Err()
}

// EnsureHostsFilePreferred rewrites the "hosts:" line in the name-service
// switch configuration so lookups check the hosts file before DNS. This is
// a one-shot rewrite performed at startup.
func (m *Manager) EnsureHostsFilePreferred() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.nsswitchPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read nsswitch.conf")
	}

	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "hosts:") {
			continue
		}
		if strings.Contains(trimmed, "files") && hostsBeforeDNS(trimmed) {
			return nil
		}
		lines[i] = "hosts:          files dns"
		changed = true
	}
	if !changed {
		return nil
	}

	if err := os.WriteFile(m.nsswitchPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return errors.Wrap(err, "write nsswitch.conf")
	}
	log.Info("rewrote nsswitch.conf to prefer hosts file over DNS")
	return nil
}

func hostsBeforeDNS(line string) bool {
	filesIdx := strings.Index(line, "files")
	dnsIdx := strings.Index(line, "dns")
	return filesIdx >= 0 && (dnsIdx < 0 || filesIdx < dnsIdx)
}
