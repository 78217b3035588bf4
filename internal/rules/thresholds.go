package rules

import "github.com/PetoAdam/homenavi/alert-service/internal/model"

const (
	HRHigh              = "HR_HIGH"
	HRLow               = "HR_LOW"
	SpO2Low             = "SPO2_LOW"
	SpO2Critical        = "SPO2_CRITICAL"
	TempHigh            = "TEMP_HIGH"
	TempLow             = "TEMP_LOW"
	DailyLimitKWh       = "DAILY_LIMIT_KWH"
	VoltageMin          = "VOLTAGE_MIN"
	VoltageMax          = "VOLTAGE_MAX"
	LuxDaylight         = "LUX_DAYLIGHT"
	PhantomSustain      = "PHANTOM_SUSTAIN_SEC"
	MotionConfidenceMin = "MOTION_CONFIDENCE_MIN"
)

// Fallbacks are used whenever a device has no enabled value for a key.
var Fallbacks = map[string]float64{
	HRHigh:              100,
	HRLow:               50,
	SpO2Low:             95,
	SpO2Critical:        90,
	TempHigh:            38.0,
	TempLow:             35.5,
	DailyLimitKWh:       20.0,
	VoltageMin:          200.0,
	VoltageMax:          250.0,
	LuxDaylight:         800,
	PhantomSustain:      60,
	MotionConfidenceMin: 0,
}

var domainKeys = map[model.Domain][]string{
	model.DomainHealth:   {HRHigh, HRLow, SpO2Low, SpO2Critical, TempHigh, TempLow},
	model.DomainEnergy:   {VoltageMin, VoltageMax, LuxDaylight, PhantomSustain},
	model.DomainSecurity: {MotionConfidenceMin},
}

// DefaultThresholds returns the rows seeded when a device registers.
func DefaultThresholds(deviceID string, d model.Domain) []model.Threshold {
	keys := domainKeys[d]
	out := make([]model.Threshold, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.Threshold{DeviceID: deviceID, Type: k, Value: Fallbacks[k], Enabled: true})
	}
	return out
}

// Thresholds maps threshold_type to the enabled value.
type Thresholds map[string]float64

func ThresholdsFrom(rows []model.Threshold) Thresholds {
	t := Thresholds{}
	for _, r := range rows {
		if r.Enabled {
			t[r.Type] = r.Value
		}
	}
	return t
}

func (t Thresholds) Get(key string) float64 {
	if v, ok := t[key]; ok {
		return v
	}
	return Fallbacks[key]
}
