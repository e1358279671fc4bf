package pricing

import (
	"fmt"

	"scribeq/internal/models"
)

// Unit is the billing unit a job type is metered in.
type Unit string

const (
	// UnitMinutes bills per minute of audio processed.
	UnitMinutes Unit = "minutes"
	// UnitKiloChars bills per 1000 characters of text processed.
	UnitKiloChars Unit = "kilochars"
	// UnitFlat bills a fixed per-operation fee.
	UnitFlat Unit = "flat"
	// UnitFree marks system maintenance work that is never billed.
	UnitFree Unit = "free"
)

type rate struct {
	unit Unit
	per  float64 // credits per unit (or the flat fee)
}

// Schedule maps each job type to its billing unit and rate. Credits are
// fractional: a 90-second file at 1 credit/min bills 1.5 credits.
type Schedule struct {
	rates map[models.JobType]rate
}

// Default returns the production price schedule.
func Default() Schedule {
	return Schedule{rates: map[models.JobType]rate{
		models.TypeFileValidate: {UnitFlat, 0.1},
		models.TypeFileStore:    {UnitFlat, 0.2},

		models.TypeTranscribe:     {UnitMinutes, 1.0},
		models.TypeSpeakerDiarize: {UnitMinutes, 0.5},

		models.TypeAIEnhance:     {UnitKiloChars, 0.4},
		models.TypeTranslate:     {UnitKiloChars, 0.3},
		models.TypeGenerateNotes: {UnitKiloChars, 0.5},
		models.TypeCustomPrompt:  {UnitKiloChars, 0.5},

		models.TypeCleanupTemp:       {UnitFree, 0},
		models.TypeCleanupOldRecords: {UnitFree, 0},
		models.TypeUsageReport:       {UnitFree, 0},
		models.TypeDBOptimize:        {UnitFree, 0},
		models.TypeSendBatchEmail:    {UnitFree, 0},
	}}
}

// UnitFor returns the billing unit for a job type.
func (s Schedule) UnitFor(jt models.JobType) Unit {
	if r, ok := s.rates[jt]; ok {
		return r.unit
	}
	return UnitFree
}

// Cost converts measured units into credits for a job type. For flat-fee
// types the measured units are ignored; for free types the cost is zero.
func (s Schedule) Cost(jt models.JobType, units float64) float64 {
	r, ok := s.rates[jt]
	if !ok {
		return 0
	}
	switch r.unit {
	case UnitFlat:
		return r.per
	case UnitFree:
		return 0
	default:
		if units < 0 {
			units = 0
		}
		return r.per * units
	}
}

// Estimate computes the up-front cost for a submission from the units the
// caller declares in the payload: "duration_minutes" for per-minute types,
// "char_count" for per-character types. The worker later measures actual
// units and the ledger finalize corrects any difference.
func (s Schedule) Estimate(jt models.JobType, payload map[string]any) (float64, error) {
	r, ok := s.rates[jt]
	if !ok {
		return 0, fmt.Errorf("no price for job type %q", jt)
	}
	switch r.unit {
	case UnitFlat:
		return r.per, nil
	case UnitFree:
		return 0, nil
	case UnitMinutes:
		mins, err := payloadNumber(payload, "duration_minutes")
		if err != nil {
			return 0, err
		}
		return r.per * mins, nil
	case UnitKiloChars:
		chars, err := payloadNumber(payload, "char_count")
		if err != nil {
			return 0, err
		}
		return r.per * chars / 1000, nil
	}
	return 0, fmt.Errorf("unhandled billing unit %q", r.unit)
}

func payloadNumber(payload map[string]any, key string) (float64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("payload missing %q", key)
	}
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("payload %q must not be negative", key)
		}
		return n, nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("payload %q must not be negative", key)
		}
		return float64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("payload %q must not be negative", key)
		}
		return float64(n), nil
	default:
		return 0, fmt.Errorf("payload %q must be a number, got %T", key, v)
	}
}
