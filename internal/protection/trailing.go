package protection

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

// moonFarATR/moonWhaleATR are the two triggers that latch Moon Mode: either
// price has run far enough on its own, or a whale footprint confirms the
// move while it's still building. Once latched the trail never narrows
// back down for the life of the trade.
const (
	moonFarATR    = 4.0
	moonWhaleATR  = 2.0
	wideningATR   = 1.5
	moonBaseMult  = 1.0
	wideningMult  = 1.8
	moonMult      = 3.5
	moonWhaleMult = 4.5

	whaleTrailOffsetATR = 4.5 // trail base offset (in ATR) once a whale fires mid-trade
	squeezeFloorPct     = 0.1
)

// profitDistanceATR returns the trade's open profit, in ATR units, signed
// positive regardless of side.
func profitDistanceATR(side model.Side, entry, current, atr float64) float64 {
	if atr <= 0 {
		return 0
	}
	if isLong(side) {
		return (current - entry) / atr
	}
	return (entry - current) / atr
}

// trailMultiplier selects the Moon Mode multiplier for the current bar and
// reports whether this bar is the one that should latch MoonActive.
func trailMultiplier(prot *model.Protection, profitATR float64, whale bool) (mult float64, latchNow bool) {
	if prot.MoonActive {
		if whale {
			return moonWhaleMult, false
		}
		return moonMult, false
	}
	if profitATR > moonFarATR || (whale && profitATR > moonWhaleATR) {
		if whale {
			return moonWhaleMult, true
		}
		return moonMult, true
	}
	if profitATR > wideningATR {
		return wideningMult, false
	}
	return moonBaseMult, false
}

// squeezeOffset narrows the trail offset as the extreme price (watermark)
// approaches TP: the closer the watermark sits to TP relative to the
// entry->TP span, the tighter the trail, floored at 10% of the base offset
// so a trail never collapses to zero next to the target.
func squeezeOffset(prot *model.Protection, baseOffset float64) float64 {
	floor := baseOffset * squeezeFloorPct
	if prot.TP == 0 {
		return baseOffset
	}
	span := prot.TP - prot.EntryPrice
	if span == 0 {
		return baseOffset
	}

	var remaining float64
	if isLong(prot.Side) {
		remaining = (prot.TP - prot.Watermark) / span
	} else {
		remaining = (prot.Watermark - prot.TP) / -span
	}
	factor := clip01(remaining)

	scaled := baseOffset * factor
	if scaled < floor {
		return floor
	}
	return scaled
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// updateTrailing runs one bar of the adaptive trailing stop: breakeven
// stage, then trail stage with the Moon Mode multiplier and whale/squeeze
// offset, gated by a minimum-improvement step and an anti-chatter cooldown.
// A native protection passed here has its venue SL replaced through
// replaceNativeSL, but CheckAll calls this only from checkSynthetic, so
// native protections are not trailed by the per-cycle check.
// Grounded on _update_dynamic_trailing. Returns true if prot.SL changed.
func (e *Engine) updateTrailing(cp float64, prot *model.Protection, whale bool) bool {
	if prot.ATR <= 0 || prot.SL == 0 {
		return false
	}
	long := isLong(prot.Side)

	if long && cp > prot.Watermark {
		prot.Watermark = cp
	} else if !long && (prot.Watermark == 0 || cp < prot.Watermark) {
		prot.Watermark = cp
	}

	cd := time.Duration(e.cfg.DynamicTrailCooldownS) * time.Second
	if cd > 0 && !prot.TrailLastTS.IsZero() && now().Sub(prot.TrailLastTS) < cd {
		return false
	}

	profitATR := profitDistanceATR(prot.Side, prot.EntryPrice, cp, prot.ATR)
	if profitATR <= 0 {
		return false
	}

	mult, latchNow := trailMultiplier(prot, profitATR, whale)
	if latchNow {
		prot.MoonActive = true
	}

	minGap := math.Max(cp*e.cfg.DynamicTrailMinGapPct, prot.ATR*0.05)
	var candidate float64
	var haveCandidate bool

	if profitATR >= e.cfg.DynamicTrailBreakevenATR {
		be := prot.EntryPrice
		if long {
			be += prot.ATR * e.cfg.DynamicTrailBreakevenBufferATR
			if cp-be < minGap {
				be = cp - minGap
			}
		} else {
			be -= prot.ATR * e.cfg.DynamicTrailBreakevenBufferATR
			if be-cp < minGap {
				be = cp + minGap
			}
		}
		candidate, haveCandidate = be, true
	}

	triggerDist := prot.ATR * e.cfg.DynamicTrailTriggerDistATR
	gap := cp - prot.SL
	if !long {
		gap = prot.SL - cp
	}
	if triggerDist > 0 && gap > triggerDist {
		baseOffset := prot.ATR * e.cfg.DynamicTrailOffsetATR * mult
		if whale {
			if alt := prot.ATR * whaleTrailOffsetATR; alt > baseOffset {
				baseOffset = alt
			}
		}
		offset := squeezeOffset(prot, baseOffset)

		var trail float64
		if long {
			trail = prot.Watermark - offset
			if cp-trail < minGap {
				trail = cp - minGap
			}
		} else {
			trail = prot.Watermark + offset
			if trail-cp < minGap {
				trail = cp + minGap
			}
		}

		switch {
		case !haveCandidate:
			candidate, haveCandidate = trail, true
		case long && trail > candidate:
			candidate = trail
		case !long && trail < candidate:
			candidate = trail
		}
	}

	if !haveCandidate {
		return false
	}

	minStep := prot.ATR * e.cfg.DynamicTrailMinStepATR
	if long {
		if candidate <= prot.SL || candidate-prot.SL <= minStep {
			return false
		}
	} else {
		if candidate >= prot.SL || prot.SL-candidate <= minStep {
			return false
		}
	}

	oldSL := prot.SL
	prot.SL = candidate
	prot.TrailLastTS = now()
	prot.TrailCount++

	if prot.Mode == model.ProtectionNative {
		e.replaceNativeSL(context.Background(), prot, oldSL, candidate)
	}
	return true
}

// replaceNativeSL cancels the old SL plan order and arms a new one at the
// updated price, leaving TP untouched (tpPrice=0 per the venue's "0 means
// don't touch" convention), keyed by a fresh client id so the ledger sees a
// distinct row per trail step. Best-effort: a failure here logs and leaves
// the stale SL price reverted rather than losing protection entirely.
func (e *Engine) replaceNativeSL(ctx context.Context, prot *model.Protection, oldSL, newSL float64) {
	b := e.router.Broker(prot.Broker)
	if b == nil || !b.Capabilities().SupportsNativeProtections {
		return
	}

	if prot.NativeSLOrderID != "" && b.Capabilities().SupportsCancelPlan {
		if err := b.CancelPlanOrder(ctx, prot.NativeSLOrderID, ""); err != nil {
			e.log.Warn("cancel old trail SL failed", "symbol", prot.Symbol, "err", err)
			prot.SL = oldSL
			return
		}
	}

	scaled := strconv.FormatInt(int64(newSL*1e8), 10)
	clientID := prot.SignalID + "|trail|" + scaled
	_, _ = e.ledger.ReserveOrder(clientID, prot.Broker, prot.Symbol, model.RoleSLTrail, model.SideSell, map[string]any{"sl": newSL, "qty": prot.Qty})

	ids, err := b.PlaceProtectionOrders(ctx, prot.Symbol, prot.Qty, newSL, 0, clientID, "")
	if err != nil {
		e.log.Warn("place trail SL failed", "symbol", prot.Symbol, "err", err)
		_ = e.ledger.MarkOrderFinal(clientID, model.OrderFailed, map[string]any{"error": err.Error()})
		prot.SL = oldSL
		prot.NativeSLOrderID = ""
		return
	}
	_ = e.ledger.MarkOrderSubmitted(clientID, ids.SLOrderID, map[string]any{"sl": newSL, "qty": prot.Qty})
	prot.NativeSLOrderID = ids.SLOrderID
	prot.SLClientID = clientID
}
