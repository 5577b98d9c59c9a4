package runner

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

// loadSignals reads the full signal snapshot from path: a JSON object
// mapping symbol to its latest signal row. This is the fallback source of
// maybeReloadSignals's bus-then-file lookup; the in-process bus (bus.go) is
// tried first.
func loadSignals(path string) (map[string]model.Signal, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var signals map[string]model.Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		return nil, time.Time{}, err
	}
	info, err := os.Stat(path)
	var mtime time.Time
	if err == nil {
		mtime = info.ModTime()
	}
	return signals, mtime, nil
}

// maybeReloadSignals tries the in-process signal bus first and only falls
// back to the signals file, reloaded iff its mtime has advanced since the
// last read, on a bus miss. Mirrors _maybe_reload_signals's
// bus-then-file-mtime-check ordering.
func (r *Runner) maybeReloadSignals() {
	if signals, ok := r.bus.Get(); ok {
		r.signals = signals
		return
	}

	info, err := os.Stat(r.cfg.SignalsPath)
	if err != nil {
		return
	}
	if !info.ModTime().After(r.signalsMtime) {
		return
	}
	signals, mtime, err := loadSignals(r.cfg.SignalsPath)
	if err != nil {
		r.log.Warn("signal reload failed", "path", r.cfg.SignalsPath, "err", err)
		return
	}
	r.signals = signals
	r.signalsMtime = mtime
}
