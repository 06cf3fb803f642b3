package services

import "roadside/internal/dispatch-service/core/domain/model"

// Flat call-out estimates by problem type, in the platform currency.
// The mechanic sets the actual cost at completion; this only anchors
// the user's expectation up front.
const (
	baseTireChange  = 800
	baseJumpStart   = 500
	baseLockout     = 600
	baseFuelRefill  = 450
	baseTowingPrep  = 1200
	baseEngineCheck = 1000
	baseOther       = 700
)

var problemBase = map[string]float64{
	"tire_change":  baseTireChange,
	"jump_start":   baseJumpStart,
	"lockout":      baseLockout,
	"fuel_refill":  baseFuelRefill,
	"towing_prep":  baseTowingPrep,
	"engine_check": baseEngineCheck,
	"other":        baseOther,
}

var priorityFactor = map[model.Priority]float64{
	model.PriorityLow:       1.0,
	model.PriorityMedium:    1.0,
	model.PriorityHigh:      1.25,
	model.PriorityEmergency: 1.5,
}

// EstimateCost anchors the up-front estimate from problem type and
// priority.
func EstimateCost(problemType string, priority model.Priority) float64 {
	base, ok := problemBase[problemType]
	if !ok {
		base = baseOther
	}
	factor, ok := priorityFactor[priority]
	if !ok {
		factor = 1.0
	}
	return base * factor
}
