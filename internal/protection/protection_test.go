package protection

import (
	"testing"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

func TestSlTpHitLong(t *testing.T) {
	hitSL, hitTP := slTpHit(model.SideBuy, 95, 96, 110)
	if !hitSL || hitTP {
		t.Fatalf("expected SL hit only for long, got sl=%v tp=%v", hitSL, hitTP)
	}
	hitSL, hitTP = slTpHit(model.SideBuy, 111, 96, 110)
	if hitSL || !hitTP {
		t.Fatalf("expected TP hit only for long, got sl=%v tp=%v", hitSL, hitTP)
	}
}

// TestSlTpHitShort is the regression test for spec.md §9's mandated fix: a
// short position's SL sits above entry and its TP sits below, so a price
// rise should hit SL (not TP) and a price fall should hit TP (not SL) -
// exactly the inverse of the long case.
func TestSlTpHitShort(t *testing.T) {
	hitSL, hitTP := slTpHit(model.SideSell, 111, 110, 95)
	if !hitSL || hitTP {
		t.Fatalf("expected SL hit for short on price rise, got sl=%v tp=%v", hitSL, hitTP)
	}
	hitSL, hitTP = slTpHit(model.SideSell, 94, 110, 95)
	if hitSL || !hitTP {
		t.Fatalf("expected TP hit for short on price fall, got sl=%v tp=%v", hitSL, hitTP)
	}
}

func TestComputeSLTPMirrorsSide(t *testing.T) {
	sl, tp := ComputeSLTP(model.SideBuy, 100, 2, 2, 4)
	if sl != 96 || tp != 108 {
		t.Fatalf("long SL/TP wrong: sl=%v tp=%v", sl, tp)
	}
	sl, tp = ComputeSLTP(model.SideSell, 100, 2, 2, 4)
	if sl != 104 || tp != 92 {
		t.Fatalf("short SL/TP wrong: sl=%v tp=%v", sl, tp)
	}
}

func TestTrailMultiplierMoonLatch(t *testing.T) {
	prot := &model.Protection{Side: model.SideBuy}

	mult, latch := trailMultiplier(prot, 1.0, false)
	if mult != moonBaseMult || latch {
		t.Fatalf("expected base multiplier pre-widening, got %v latch=%v", mult, latch)
	}

	mult, latch = trailMultiplier(prot, 1.8, false)
	if mult != wideningMult || latch {
		t.Fatalf("expected widening multiplier, got %v latch=%v", mult, latch)
	}

	mult, latch = trailMultiplier(prot, 4.5, false)
	if mult != moonMult || !latch {
		t.Fatalf("expected moon multiplier + latch at >4 ATR, got %v latch=%v", mult, latch)
	}
	prot.MoonActive = true

	// once latched, profit regressing back below the widening threshold must
	// not narrow the multiplier.
	mult, latch = trailMultiplier(prot, 0.5, false)
	if mult != moonMult || latch {
		t.Fatalf("expected sticky moon multiplier after latch, got %v latch=%v", mult, latch)
	}
}

func TestTrailMultiplierWhaleEarlyLatch(t *testing.T) {
	prot := &model.Protection{Side: model.SideBuy}
	mult, latch := trailMultiplier(prot, 2.5, true)
	if mult != moonWhaleMult || !latch {
		t.Fatalf("expected whale-triggered moon latch at >2 ATR, got %v latch=%v", mult, latch)
	}
}

func TestUpdateTrailingBreakevenStage(t *testing.T) {
	e := &Engine{cfg: Config{
		DynamicTrailBreakevenATR:       1.0,
		DynamicTrailBreakevenBufferATR: 0.1,
		DynamicTrailTriggerDistATR:     1.0,
		DynamicTrailOffsetATR:         1.2,
		DynamicTrailMinStepATR:         0.1,
		DynamicTrailMinGapPct:          0.0015,
		DynamicTrailCooldownS:          0,
	}, log: testLogger()}

	prot := &model.Protection{
		Side: model.SideBuy, ATR: 1.0, EntryPrice: 100, SL: 98, TP: 110,
		Watermark: 100, CreatedAt: time.Now(),
	}

	changed := e.updateTrailing(101.2, prot, false)
	if !changed {
		t.Fatal("expected breakeven stage to move SL")
	}
	if prot.SL <= 98 {
		t.Fatalf("expected SL to improve past 98, got %v", prot.SL)
	}
}

func TestUpdateTrailingNeverWorsensSL(t *testing.T) {
	e := &Engine{cfg: Config{
		DynamicTrailBreakevenATR:       1.0,
		DynamicTrailBreakevenBufferATR: 0.1,
		DynamicTrailTriggerDistATR:     1.0,
		DynamicTrailOffsetATR:          1.2,
		DynamicTrailMinStepATR:         0.5,
		DynamicTrailMinGapPct:          0.0015,
		DynamicTrailCooldownS:          0,
	}, log: testLogger()}

	prot := &model.Protection{
		Side: model.SideBuy, ATR: 1.0, EntryPrice: 100, SL: 99.9, TP: 110,
		Watermark: 100, CreatedAt: time.Now(),
	}
	before := prot.SL
	e.updateTrailing(100.2, prot, false)
	if prot.SL < before {
		t.Fatalf("SL must never move against the position: before=%v after=%v", before, prot.SL)
	}
}

func testLogger() *logging.Logger { return logging.Default() }
