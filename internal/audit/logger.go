// Package audit is the control plane's tamper-evident activity trail.
//
// Unlike a general application audit log, this controller persists no other
// state (spec Non-goals: "does not persist its own state"); the trail is a
// plain NDJSON file, hash-chained with HMAC-SHA256 so a truncated or edited
// entry is detectable, without requiring a database.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names the lifecycle event being recorded. These are the control
// plane's own actions, not proxies for arbitrary user commands.
type Action string

const (
	ActionBootstrapStart     Action = "bootstrap_start"
	ActionFounderElected     Action = "founder_elected"
	ActionReplicaSetInit     Action = "replica_set_initiated"
	ActionRootUserCreated    Action = "root_user_created"
	ActionMembershipChanged  Action = "membership_changed"
	ActionSplitBrainDetected Action = "split_brain_detected"
	ActionStepDown           Action = "step_down"
	ActionNuclearResync      Action = "nuclear_resync"
	ActionStalePrimary       Action = "stale_primary_stepped_down"
)

// Event is one recorded line of the trail.
type Event struct {
	Timestamp     int64  `json:"timestamp"`
	Action        Action `json:"action"`
	Detail        string `json:"detail,omitempty"`
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlationId"`
	Hash          string `json:"hash,omitempty"`
}

// Logger appends hash-chained events to an NDJSON file.
type Logger struct {
	file     *os.File
	path     string
	key      []byte
	prevHash string
	mu       sync.Mutex
}

// NewLogger opens (creating if needed) the trail at path, restoring the
// chain's last hash from the final line so restarts don't break continuity.
// key may be nil, disabling chaining (hashes are left empty).
func NewLogger(path string, key []byte) (*Logger, error) {
	prevHash, err := lastHash(path)
	if err != nil {
		return nil, fmt.Errorf("read existing audit trail: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}

	return &Logger{file: file, path: path, key: key, prevHash: prevHash}, nil
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			last = e.Hash
		}
	}
	return last, scanner.Err()
}

// Record appends one event to the trail, chaining it to the previous entry.
func (l *Logger) Record(action Action, detail string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		Timestamp:     time.Now().Unix(),
		Action:        action,
		Detail:        detail,
		Success:       success,
		CorrelationID: uuid.NewString(),
	}
	e.Hash = computeRowHash(l.key, l.prevHash, e)

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	l.prevHash = e.Hash
	return l.file.Sync()
}

// Recent returns the last n events, oldest first within the returned window.
func (l *Logger) Recent(n int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			all = append(all, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
