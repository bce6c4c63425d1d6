package telemetry

import (
	"time"

	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/core"
)

// EnergyModel estimates per-turn energy from elapsed time and a configured
// baseline wattage scaled by a per-route weight. This is not a physical
// measurement; it is stable enough for trend detection across builds.
type EnergyModel struct {
	baselineWatts float64
	routeWeights  map[string]float64
}

func NewEnergyModel(cfg config.EnergyConfig) *EnergyModel {
	return &EnergyModel{
		baselineWatts: cfg.BaselineWatts,
		routeWeights:  cfg.RouteWeights,
	}
}

// EstimateWh returns the energy estimate in watt-hours for one turn.
func (e *EnergyModel) EstimateWh(route core.Route, elapsed time.Duration) float64 {
	weight, ok := e.routeWeights[route.String()]
	if !ok {
		weight = 1.0
	}
	return e.baselineWatts * weight * elapsed.Hours()
}
