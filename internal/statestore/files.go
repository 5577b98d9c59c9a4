package statestore

import (
	"path/filepath"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

// RunnerState is the per-cycle snapshot persisted after every strategy loop
// iteration: what signal each symbol last acted on, a free-form metrics
// snapshot, and the last-processed timestamp per symbol.
type RunnerState struct {
	LastSeen        map[string]string         `json:"last_seen"`
	Snapshots       map[string]map[string]any `json:"snapshots"`
	LastProcessedTS map[string]time.Time      `json:"last_processed_ts"`
}

// HeartbeatStatus is the runner's self-reported liveness status.
type HeartbeatStatus string

const (
	HeartbeatAlive   HeartbeatStatus = "alive"
	HeartbeatOK      HeartbeatStatus = "ok"
	HeartbeatError   HeartbeatStatus = "error"
	HeartbeatStopped HeartbeatStatus = "stopped"
)

// Heartbeat is the liveness file an external watchdog polls.
type Heartbeat struct {
	UpdatedAt time.Time       `json:"updated_at"`
	TS        int64           `json:"ts"`
	PID       int             `json:"pid"`
	Status    HeartbeatStatus `json:"status"`
	Note      string          `json:"note"`
	Mode      string          `json:"mode"`
	Universe  []string        `json:"universe"`
}

// KillSwitch is the durable kill-switch flag file.
type KillSwitch struct {
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	EnabledAt time.Time `json:"enabled_at,omitempty"`
}

// Store bundles the four well-known files under one configured directory,
// the same grouping the Python runner used for its sibling JSON files.
type Store struct {
	dir             string
	runnerStateFile string
	protectionsFile string
	heartbeatFile   string
	killSwitchFile  string
}

// New builds a Store rooted at dir with the given file basenames.
func New(dir, runnerStateFile, protectionsFile, heartbeatFile, killSwitchFile string) *Store {
	return &Store{
		dir:             dir,
		runnerStateFile: runnerStateFile,
		protectionsFile: protectionsFile,
		heartbeatFile:   heartbeatFile,
		killSwitchFile:  killSwitchFile,
	}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// SaveRunnerState atomically persists the runner's per-cycle snapshot.
func (s *Store) SaveRunnerState(rs *RunnerState) error {
	return WriteJSON(s.path(s.runnerStateFile), rs)
}

// LoadRunnerState reads the runner state, returning an empty state on any
// read failure.
func (s *Store) LoadRunnerState() *RunnerState {
	rs := &RunnerState{
		LastSeen:        map[string]string{},
		Snapshots:       map[string]map[string]any{},
		LastProcessedTS: map[string]time.Time{},
	}
	ReadJSON(s.path(s.runnerStateFile), rs)
	if rs.LastSeen == nil {
		rs.LastSeen = map[string]string{}
	}
	if rs.Snapshots == nil {
		rs.Snapshots = map[string]map[string]any{}
	}
	if rs.LastProcessedTS == nil {
		rs.LastProcessedTS = map[string]time.Time{}
	}
	return rs
}

// SaveProtections atomically persists the full protections map.
func (s *Store) SaveProtections(p map[string]*model.Protection) error {
	return WriteJSON(s.path(s.protectionsFile), p)
}

// LoadProtections reads the protections map, returning an empty map on any
// read failure.
func (s *Store) LoadProtections() map[string]*model.Protection {
	p := map[string]*model.Protection{}
	ReadJSON(s.path(s.protectionsFile), &p)
	return p
}

// TouchHeartbeat atomically writes the liveness file.
func (s *Store) TouchHeartbeat(hb *Heartbeat) error {
	hb.UpdatedAt = time.Now().UTC()
	hb.TS = hb.UpdatedAt.Unix()
	return WriteJSON(s.path(s.heartbeatFile), hb)
}

// LoadKillSwitch reads the kill-switch flag, defaulting to disabled.
func (s *Store) LoadKillSwitch() *KillSwitch {
	ks := &KillSwitch{}
	ReadJSON(s.path(s.killSwitchFile), ks)
	return ks
}

// SetKillSwitch atomically persists the kill-switch flag.
func (s *Store) SetKillSwitch(ks *KillSwitch) error {
	return WriteJSON(s.path(s.killSwitchFile), ks)
}
