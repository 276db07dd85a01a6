package scoring

import (
	"fmt"
	"math"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/levyvahti/pkg/lvtypes"
)

func attrs(pairs map[int]uint64) lvtypes.AttributeMap {
	m := lvtypes.AttributeMap{}
	for id, raw := range pairs {
		m[id] = lvtypes.SmartAttribute{ID: id, Raw: raw}
	}
	return m
}

func TestPristineSsd(t *testing.T) {
	result := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors:       0,
			lvtypes.AttrPendingSectors:           0,
			lvtypes.AttrTemperature:              31,
			lvtypes.AttrPowerOnHours:             100,
			lvtypes.AttrTotalLbasWritten:         7_000_000_000_000,
			lvtypes.AttrPercentLifetimeRemaining: 99,
		}),
		Rotational:         false,
		RatedEnduranceLbas: 96_000_000_000_000,
	})

	// every component at 100 except wear: ~7.3% worn => 89.06 partial, which
	// lands the weighted total at 98
	assert.Assert(t, result.HealthScore == 98)
	assert.EqualString(t, string(result.HealthState), "excellent")
	assert.Assert(t, len(result.Escalated) == 0)
}

func TestFailingHdd(t *testing.T) {
	result := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors: 1500,
			lvtypes.AttrPendingSectors:     85,
		}),
		Rotational: true,
	})

	// realloc 1500 => 5, pending 85 => 10, absent weight redistributed
	assert.Assert(t, result.HealthScore >= 0 && result.HealthScore <= 19)
	assert.EqualString(t, string(result.HealthState), "critical")

	assert.Assert(t, len(result.Escalated) == 2)
	assert.EqualString(t, result.Escalated[0].Name, "reallocated_sectors")
	assert.EqualString(t, string(result.Escalated[0].Severity), "critical")
	assert.EqualString(t, result.Escalated[1].Name, "pending_sectors")
	assert.EqualString(t, string(result.Escalated[1].Severity), "critical")
}

func TestZombieDrive(t *testing.T) {
	result := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors: 25000,
			lvtypes.AttrPendingSectors:     800,
		}),
		Rotational: true,
	})

	assert.Assert(t, result.HealthScore < 0)
	assert.EqualString(t, string(result.HealthState), "dead")
}

func TestNegativeScoreRequiresZombieTier(t *testing.T) {
	// heavy lifetime-remaining penalty on top of an already-low weighted sum
	// must clamp at zero when no individual attribute is in the zombie tier
	result := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors:       4000, // 5 points, not negative
			lvtypes.AttrPendingSectors:           90,   // 10 points
			lvtypes.AttrPercentLifetimeRemaining: 3,    // -35 penalty
		}),
		Rotational: false,
	})

	assert.Assert(t, result.HealthScore == 0)
	assert.EqualString(t, string(result.HealthState), "critical")
}

func TestAbsentVersusZero(t *testing.T) {
	// absent uncorrectable: weight redistributed, score unaffected
	absent := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors: 0,
			lvtypes.AttrPendingSectors:     0,
		}),
		Rotational: true,
	})
	assert.Assert(t, absent.HealthScore == 100)

	// present zero: full 100-point sub-score, same total
	zero := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors:    0,
			lvtypes.AttrPendingSectors:        0,
			lvtypes.AttrReportedUncorrectable: 0,
		}),
		Rotational: true,
	})
	assert.Assert(t, zero.HealthScore == 100)

	_, inBreakdown := zero.Components["uncorrectable"]
	assert.Assert(t, inBreakdown)
	_, inAbsentBreakdown := absent.Components["uncorrectable"]
	assert.Assert(t, !inAbsentBreakdown)
}

func TestEmptyAttributesIsUnknown(t *testing.T) {
	result := Score(DeviceFacts{Attributes: lvtypes.AttributeMap{}})

	assert.EqualString(t, string(result.HealthState), "unknown")
	assert.Assert(t, result.HealthScore == 0)
}

func TestScoringIsDeterministic(t *testing.T) {
	facts := DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors:    7,
			lvtypes.AttrPendingSectors:        2,
			lvtypes.AttrReportedUncorrectable: 1,
			lvtypes.AttrCommandTimeout:        12,
			lvtypes.AttrTemperature:           44,
			lvtypes.AttrPowerOnHours:          30000,
			lvtypes.AttrPowerCycleCount:       4000,
		}),
		Rotational: true,
	}

	first := Score(facts)
	for i := 0; i < 10; i++ {
		again := Score(facts)
		assert.Assert(t, again.HealthScore == first.HealthScore)
		assert.EqualString(t, string(again.HealthState), string(first.HealthState))
	}
}

func TestEscalationOrdering(t *testing.T) {
	result := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors:    3,  // warning
			lvtypes.AttrPendingSectors:        60, // critical
			lvtypes.AttrReportedUncorrectable: 5,  // critical (>= 2)
			lvtypes.AttrCommandTimeout:        8,  // warning (>= 6)
		}),
		Rotational: true,
	})

	names := []string{}
	for _, esc := range result.Escalated {
		names = append(names, fmt.Sprintf("%s/%s", esc.Name, esc.Severity))
	}

	// critical first (by value desc), then warnings (by value desc)
	assert.EqualString(t, names[0], "pending_sectors/critical")
	assert.EqualString(t, names[1], "reported_uncorrectable/critical")
	assert.EqualString(t, names[2], "command_timeout/warning")
	assert.EqualString(t, names[3], "reallocated_sectors/warning")
}

func TestEscalationThresholds(t *testing.T) {
	none := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors: 0,
			lvtypes.AttrCommandTimeout:     5, // below warning threshold of 6
		}),
		Rotational: true,
	})
	assert.Assert(t, len(none.Escalated) == 0)

	warn := Score(DeviceFacts{
		Attributes: attrs(map[int]uint64{
			lvtypes.AttrReallocatedSectors: 1,
		}),
		Rotational: true,
	})
	assert.Assert(t, len(warn.Escalated) == 1)
	assert.EqualString(t, string(warn.Escalated[0].Severity), "warning")
}

func TestLifetimeRemainingPenalty(t *testing.T) {
	scoreWithRemaining := func(remaining uint64) int {
		return Score(DeviceFacts{
			Attributes: attrs(map[int]uint64{
				lvtypes.AttrReallocatedSectors:       0,
				lvtypes.AttrPendingSectors:           0,
				lvtypes.AttrPercentLifetimeRemaining: remaining,
			}),
			Rotational: false,
		}).HealthScore
	}

	assert.Assert(t, scoreWithRemaining(99) == 100)
	assert.Assert(t, scoreWithRemaining(21) == 100)
	assert.Assert(t, scoreWithRemaining(15) == 95)
	assert.Assert(t, scoreWithRemaining(10) == 90)
	assert.Assert(t, scoreWithRemaining(8) == 86)
	assert.Assert(t, scoreWithRemaining(5) == 65)
	assert.Assert(t, scoreWithRemaining(0) == 65)
}

func TestSsdWearComponent(t *testing.T) {
	wearPartial := func(writtenLbas uint64) float64 {
		result := Score(DeviceFacts{
			Attributes: attrs(map[int]uint64{
				lvtypes.AttrReallocatedSectors: 0,
				lvtypes.AttrTotalLbasWritten:   writtenLbas,
			}),
			Rotational:         false,
			RatedEnduranceLbas: 1000,
		})

		wear, found := result.Components["wear"]
		assert.Assert(t, found)
		assert.Assert(t, wear.Weight == 0.15)

		return wear.PartialScore
	}

	almost := func(got float64, want float64) bool {
		return math.Abs(got-want) < 1e-9
	}

	// the curve is linear over the whole domain, light wear included
	assert.Assert(t, almost(wearPartial(30), 95.5)) // 3% wear
	assert.Assert(t, almost(wearPartial(100), 85))  // 10% wear
	assert.Assert(t, almost(wearPartial(500), 25))  // 50% wear
	assert.Assert(t, almost(wearPartial(700), 0))   // 70% wear: floor reached
	assert.Assert(t, almost(wearPartial(2000), 0))  // past rated endurance
}

func TestEstimateRatedEnduranceLbas(t *testing.T) {
	// 1 TiB drive => 200 TiB written => in 512-byte LBAs
	oneTib := uint64(1) << 40
	assert.Assert(t, EstimateRatedEnduranceLbas(oneTib) == oneTib*200/512)
	assert.Assert(t, EstimateRatedEnduranceLbas(0) == 0)
}
