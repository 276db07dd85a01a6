// Health scoring model. Pure functions: same facts in, same score out.
package scoring

import (
	"math"
	"sort"

	"github.com/function61/levyvahti/pkg/lvtypes"
	"github.com/samber/lo"
)

type DeviceFacts struct {
	Attributes lvtypes.AttributeMap
	Rotational bool
	// rated endurance in the same LBA units as total_lbas_written; 0 = unknown
	RatedEnduranceLbas uint64
}

type Result struct {
	HealthScore int
	HealthState lvtypes.HealthState
	Components  lvtypes.ComponentBreakdown
	Escalated   []lvtypes.EscalatedAttribute
}

type component struct {
	name   string
	attrID int // SMART ID whose raw value feeds the curve (wear: 241, age: 9)
	weight float64
	curve  func(value uint64) float64
}

func Score(facts DeviceFacts) Result {
	if len(facts.Attributes) == 0 {
		return Result{
			HealthState: lvtypes.HealthStateUnknown,
			Components:  lvtypes.ComponentBreakdown{},
			Escalated:   []lvtypes.EscalatedAttribute{},
		}
	}

	hasWearData := facts.RatedEnduranceLbas > 0 && has(facts.Attributes, lvtypes.AttrTotalLbasWritten)

	components := componentTable(facts.Rotational, hasWearData, facts.RatedEnduranceLbas)

	breakdown := lvtypes.ComponentBreakdown{}

	// absent attributes contribute nothing; their weight is redistributed
	// proportionally across the components that are present. A present zero
	// is a real data point and contributes its full sub-score.
	presentWeight := 0.0
	weightedSum := 0.0
	anyNegativePartial := false

	for _, comp := range components {
		value, found := facts.Attributes.Raw(comp.attrID)
		if !found {
			continue
		}

		partial := comp.curve(value)
		if partial < 0 {
			anyNegativePartial = true
		}

		presentWeight += comp.weight
		weightedSum += partial * comp.weight

		breakdown[comp.name] = lvtypes.ScoreComponent{
			Value:        value,
			Weight:       comp.weight,
			PartialScore: partial,
		}
	}

	score := 0.0
	if presentWeight > 0 {
		score = weightedSum / presentWeight
	}

	score -= lifetimeRemainingPenalty(facts.Attributes)

	// a negative total is reserved for zombie-tier defects; penalties and
	// rounding alone must not produce one
	if score < 0 && !anyNegativePartial {
		score = 0
	}

	rounded := int(math.Round(math.Max(-100, math.Min(100, score))))

	escalated := escalatedAttributes(facts.Attributes)

	return Result{
		HealthScore: rounded,
		HealthState: healthState(rounded, len(escalated) == 0 && !anyNegativePartial),
		Components:  breakdown,
		Escalated:   escalated,
	}
}

func componentTable(rotational bool, hasWearData bool, ratedEnduranceLbas uint64) []component {
	switch {
	case rotational:
		return []component{
			{"reallocated", lvtypes.AttrReallocatedSectors, 0.35, scoreReallocated},
			{"pending", lvtypes.AttrPendingSectors, 0.25, scorePending},
			{"power_cycles", lvtypes.AttrPowerCycleCount, 0.10, scorePowerCycles},
			{"uncorrectable", lvtypes.AttrReportedUncorrectable, 0.10, scoreUncorrectable},
			{"timeout", lvtypes.AttrCommandTimeout, 0.10, scoreTimeout},
			{"age", lvtypes.AttrPowerOnHours, 0.05, scoreAge},
			{"temperature", lvtypes.AttrTemperature, 0.05, scoreTemperatureHdd},
		}
	case hasWearData:
		return []component{
			{"reallocated", lvtypes.AttrReallocatedSectors, 0.35, scoreReallocated},
			{"pending", lvtypes.AttrPendingSectors, 0.25, scorePending},
			{"wear", lvtypes.AttrTotalLbasWritten, 0.15, scoreWearCurve(ratedEnduranceLbas)},
			{"temperature", lvtypes.AttrTemperature, 0.10, scoreTemperatureSsd},
			{"uncorrectable", lvtypes.AttrReportedUncorrectable, 0.08, scoreUncorrectable},
			{"timeout", lvtypes.AttrCommandTimeout, 0.05, scoreTimeout},
			{"age", lvtypes.AttrPowerOnHours, 0.02, scoreAge},
		}
	default:
		return []component{
			{"reallocated", lvtypes.AttrReallocatedSectors, 0.40, scoreReallocated},
			{"pending", lvtypes.AttrPendingSectors, 0.25, scorePending},
			{"temperature", lvtypes.AttrTemperature, 0.10, scoreTemperatureSsd},
			{"uncorrectable", lvtypes.AttrReportedUncorrectable, 0.10, scoreUncorrectable},
			{"timeout", lvtypes.AttrCommandTimeout, 0.10, scoreTimeout},
			{"age", lvtypes.AttrPowerOnHours, 0.05, scoreAge},
		}
	}
}

func scoreReallocated(count uint64) float64 {
	switch {
	case count == 0:
		return 100
	case count <= 10:
		return 90
	case count <= 100:
		return 70
	case count <= 500:
		return 40
	case count <= 1000:
		return 20
	case count <= 5000:
		return 5
	case count <= 10000:
		return -10
	case count <= 20000:
		return -50
	default:
		return -100
	}
}

func scorePending(count uint64) float64 {
	switch {
	case count == 0:
		return 100
	case count == 1:
		return 85
	case count <= 5:
		return 60
	case count <= 20:
		return 30
	case count <= 100:
		return 10
	case count <= 300:
		return -30
	case count <= 500:
		return -70
	default:
		return -100
	}
}

func scorePowerCycles(cycles uint64) float64 {
	switch {
	case cycles < 1000:
		return 100
	case cycles < 5000:
		return 90
	case cycles < 10000:
		return 80
	case cycles < 20000:
		return 70
	case cycles <= 50000:
		return 50
	default:
		return 30
	}
}

func scoreUncorrectable(count uint64) float64 {
	switch {
	case count == 0:
		return 100
	case count == 1:
		return 60
	case count <= 5:
		return 20
	case count <= 10:
		return -30
	case count <= 20:
		return -70
	default:
		return -100
	}
}

func scoreTimeout(count uint64) float64 {
	switch {
	case count == 0:
		return 100
	case count <= 5:
		return 70
	case count <= 50:
		return 40
	case count <= 200:
		return 20
	default:
		return 0
	}
}

func scoreAge(hours uint64) float64 {
	years := float64(hours) / 8760

	switch {
	case years < 2:
		return 100
	case years < 3:
		return 90
	case years < 5:
		return 70
	case years < 7:
		return 50
	case years < 10:
		return 30
	default:
		return 10
	}
}

func scoreTemperatureHdd(temp uint64) float64 {
	switch {
	case temp < 35:
		return 100
	case temp < 40:
		return 90
	case temp < 45:
		return 70
	case temp < 50:
		return 40
	default:
		return 10
	}
}

func scoreTemperatureSsd(temp uint64) float64 {
	switch {
	case temp < 50:
		return 100
	case temp < 70:
		return 100 - 5*float64(temp-50)
	default:
		return 10
	}
}

func scoreWearCurve(ratedEnduranceLbas uint64) func(uint64) float64 {
	return func(writtenLbas uint64) float64 {
		wearPct := float64(writtenLbas) / float64(ratedEnduranceLbas) * 100

		return math.Max(0, 100-wearPct*1.5)
	}
}

// applied additively after the weighted sum
func lifetimeRemainingPenalty(attrs lvtypes.AttributeMap) float64 {
	remaining, found := attrs.Raw(lvtypes.AttrPercentLifetimeRemaining)
	if !found {
		return 0
	}

	switch {
	case remaining <= 5:
		return 35
	case remaining <= 10:
		return []float64{20, 17, 14, 11, 10}[remaining-6]
	case remaining <= 20:
		return float64(20 - remaining)
	default:
		return 0
	}
}

type escalationRule struct {
	attrID   int
	name     string
	warning  uint64
	critical uint64
}

var escalationRules = []escalationRule{
	{lvtypes.AttrReallocatedSectors, "reallocated_sectors", 1, 50},
	{lvtypes.AttrPendingSectors, "pending_sectors", 1, 50},
	{lvtypes.AttrReportedUncorrectable, "reported_uncorrectable", 1, 2},
	{lvtypes.AttrCommandTimeout, "command_timeout", 6, 50},
}

// ordered by severity, then by value descending
func escalatedAttributes(attrs lvtypes.AttributeMap) []lvtypes.EscalatedAttribute {
	escalated := lo.FilterMap(escalationRules, func(rule escalationRule, _ int) (lvtypes.EscalatedAttribute, bool) {
		value, found := attrs.Raw(rule.attrID)
		if !found || value < rule.warning {
			return lvtypes.EscalatedAttribute{}, false
		}

		severity := lvtypes.SeverityWarning
		if value >= rule.critical {
			severity = lvtypes.SeverityCritical
		}

		return lvtypes.EscalatedAttribute{Name: rule.name, Value: value, Severity: severity}, true
	})

	sort.SliceStable(escalated, func(i, j int) bool {
		if escalated[i].Severity != escalated[j].Severity {
			return escalated[i].Severity == lvtypes.SeverityCritical
		}
		return escalated[i].Value > escalated[j].Value
	})

	return escalated
}

func healthState(score int, zeroDefects bool) lvtypes.HealthState {
	switch {
	case score >= 95 && zeroDefects:
		return lvtypes.HealthStateExcellent
	case score >= 80:
		return lvtypes.HealthStateGood
	case score >= 60:
		return lvtypes.HealthStateAcceptable
	case score >= 40:
		return lvtypes.HealthStateWarning
	case score >= 20:
		return lvtypes.HealthStatePoor
	case score >= 0:
		return lvtypes.HealthStateCritical
	default:
		return lvtypes.HealthStateDead
	}
}

// conservative endurance estimate for drives that don't advertise a TBW
// rating: 200 TB written per TB of capacity (budget-SSD ballpark), expressed
// in 512-byte LBAs
func EstimateRatedEnduranceLbas(capacityBytes uint64) uint64 {
	return capacityBytes * 200 / 512
}

func has(attrs lvtypes.AttributeMap, id int) bool {
	_, found := attrs.Raw(id)
	return found
}
