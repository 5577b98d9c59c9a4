package config

import (
	"path/filepath"

	"github.com/ronsonol82-hash/AiTrade/internal/statestore"
)

// overrideFile is the durable JSON companion config writes to when a runtime
// setter changes a knob, per SPEC_FULL §2.3 ("Global mutable state").
const overrideFile = "config_override.json"

// Overrides is the set of knobs a runtime setter may change after startup.
// Config itself stays immutable; OverrideStore just persists the delta.
type Overrides struct {
	RiskPerTrade *float64 `json:"risk_per_trade,omitempty"`
	MaxOpenPositions *int  `json:"max_open_positions,omitempty"`
}

// OverrideStore persists runtime overrides atomically using the same
// write-temp-fsync-rename helper as the rest of the engine's durable state.
type OverrideStore struct {
	path string
}

// NewOverrideStore roots the override file under stateDir.
func NewOverrideStore(stateDir string) *OverrideStore {
	return &OverrideStore{path: filepath.Join(stateDir, overrideFile)}
}

// Load reads the current overrides, returning a zero-value Overrides if none
// have been written yet.
func (o *OverrideStore) Load() *Overrides {
	ov := &Overrides{}
	statestore.ReadJSON(o.path, ov)
	return ov
}

// Save atomically persists ov.
func (o *OverrideStore) Save(ov *Overrides) error {
	return statestore.WriteJSON(o.path, ov)
}
