package kpi

import (
	"maps"

	"github.com/clasak/compassiq/pkg/models"
)

// Merge overlays the latest ingested values on the computed baseline. Every override with a finite
// numeric value replaces the baseline entry for its key, including keys the baseline does not
// compute. Text values and non-finite numbers are ignored. Merge does not modify its inputs and
// applying the same overrides again yields the same snapshot.
func Merge(baseline map[string]float64, overrides []models.MetricValue) *models.KPISnapshot {
	snapshot := &models.KPISnapshot{
		Values:             make(map[string]float64, len(baseline)+len(overrides)),
		Sources:            make(map[string]models.KPISource, len(baseline)+len(overrides)),
		OverridesAvailable: true,
	}
	maps.Copy(snapshot.Values, baseline)
	for key := range baseline {
		snapshot.Sources[key] = models.KPISourceComputed
	}

	for _, override := range overrides {
		v, ok := override.FiniteNumber()
		if !ok {
			continue
		}
		snapshot.Values[override.MetricKey] = v
		snapshot.Sources[override.MetricKey] = models.KPISourceIngested
	}
	return snapshot
}
