// Package rules evaluates named predicates over a per-call snapshot of device
// state and turns the ones that hold into candidate alerts.
package rules

import (
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"
)

// Context is built fresh for each evaluation and never stored.
type Context struct {
	DeviceID   string
	At         time.Time
	Thresholds Thresholds
	Profile    model.DeviceProfile
	Settings   model.TenantSettings
	Snapshot   Snapshot
}

// Snapshot holds the latest values rules look at. Nil fields are unknown and
// make the rules that need them skip.
type Snapshot struct {
	Vitals *VitalsValues        `json:"vitals,omitempty"`
	Energy *EnergyValues        `json:"energy,omitempty"`
	Motion *model.MotionPayload `json:"motion,omitempty"`
}

type VitalsValues struct {
	HeartRate     *float64 `json:"heart_rate,omitempty"`
	SpO2          *float64 `json:"spo2,omitempty"`
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
	TempEstimated bool     `json:"temp_estimated"`
}

type EnergyValues struct {
	Sensors      []SensorValues `json:"sensors"`
	IndoorTempC  *float64       `json:"indoor_temp_c,omitempty"`
	OutdoorTempC *float64       `json:"outdoor_temp_c,omitempty"`
	LightLux     *float64       `json:"light_lux,omitempty"`
	DailyKWh     *float64       `json:"daily_kwh,omitempty"`
}

type SensorValues struct {
	Key      string   `json:"key"`
	Watts    *float64 `json:"watts,omitempty"`
	Amps     *float64 `json:"amps,omitempty"`
	Voltage  *float64 `json:"voltage,omitempty"`
	Label    string   `json:"label,omitempty"`
	Category string   `json:"category,omitempty"`
	// LowCurrentSeconds is how long the channel has stayed in the standby
	// current band up to this reading.
	LowCurrentSeconds *float64 `json:"low_current_seconds,omitempty"`
}

// VitalsFromPayload converts a vitals event. SpO2 only counts when the
// sensor flagged it valid and non-zero.
func VitalsFromPayload(p model.VitalsPayload) *VitalsValues {
	v := &VitalsValues{}
	hr := float64(p.HeartRate.BPM)
	v.HeartRate = &hr
	if p.SpO2 != nil && p.SpO2.IsValid && p.SpO2.Percent > 0 {
		s := p.SpO2.Percent
		v.SpO2 = &s
	}
	if p.Temperature != nil {
		c := p.Temperature.Celsius
		v.TemperatureC = &c
		v.TempEstimated = p.Temperature.IsEstimated
	}
	return v
}

// EnergyFromPayload converts a reading event. Label and category fall back
// to the device profile when the sample carries none.
func EnergyFromPayload(p model.ReadingPayload, profile model.DeviceProfile) *EnergyValues {
	e := &EnergyValues{
		IndoorTempC:  p.Environment.TemperatureC,
		OutdoorTempC: p.Environment.OutdoorTempC,
		LightLux:     p.Environment.LightLux,
	}
	for _, s := range p.Sensors() {
		w := s.Sample.Watts
		sv := SensorValues{
			Key:      s.Key,
			Watts:    &w,
			Amps:     s.Sample.CurrentAmps,
			Voltage:  s.Sample.Voltage,
			Label:    s.Sample.Label,
			Category: s.Sample.Category,
		}
		if sp, ok := profile.Sensors[s.Key]; ok {
			if sv.Label == "" {
				sv.Label = sp.Label
			}
			if sv.Category == "" {
				sv.Category = sp.Category
			}
		}
		e.Sensors = append(e.Sensors, sv)
	}
	return e
}
