package rules

import (
	"fmt"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"
)

const vitalsKey = "vitals"

func vitals(ctx Context) *VitalsValues { return ctx.Snapshot.Vitals }

func vitalsValues(v *VitalsValues) map[string]any {
	out := map[string]any{"temp_estimated": v.TempEstimated}
	if v.HeartRate != nil {
		out["heart_rate"] = *v.HeartRate
	}
	if v.SpO2 != nil {
		out["spo2"] = *v.SpO2
	}
	if v.TemperatureC != nil {
		out["temperature_c"] = *v.TemperatureC
	}
	return out
}

// HealthRules returns the vitals rules in evaluation order.
func HealthRules() []Rule {
	return []Rule{
		SnapshotRule{Name: "hypoxia", SensorKey: vitalsKey, Severity: model.SeverityCritical, Check: checkHypoxia},
		SnapshotRule{Name: "low_spo2", SensorKey: vitalsKey, Severity: model.SeverityWarning, Check: checkLowSpO2},
		SnapshotRule{Name: "respiratory_distress", SensorKey: vitalsKey, Severity: model.SeverityCritical, Check: checkRespiratoryDistress},
		SnapshotRule{Name: "infection_pattern", SensorKey: vitalsKey, Severity: model.SeverityWarning, Check: checkInfectionPattern},
		SnapshotRule{Name: "fever", SensorKey: vitalsKey, Severity: model.SeverityWarning, Check: checkFever},
		SnapshotRule{Name: "high_temp", SensorKey: vitalsKey, Severity: model.SeverityWarning, Check: checkHighTemp},
		SnapshotRule{Name: "tachycardia", SensorKey: vitalsKey, Severity: model.SeverityWarning, Check: checkTachycardia},
		SnapshotRule{Name: "bradycardia", SensorKey: vitalsKey, Severity: model.SeverityWarning, Check: checkBradycardia},
		SnapshotRule{Name: "temp_estimate_unreliable", SensorKey: vitalsKey, Severity: model.SeverityInfo, Check: checkTempUnreliable},
		SnapshotRule{Name: "hypothermia", SensorKey: vitalsKey, Severity: model.SeverityCritical, Check: checkHypothermia},
		SnapshotRule{Name: "severe_infection", SensorKey: vitalsKey, Severity: model.SeverityCritical, Check: checkSevereInfection},
	}
}

func checkHypoxia(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.SpO2 == nil {
		return Finding{}, false
	}
	limit := ctx.Thresholds.Get(SpO2Critical)
	if *v.SpO2 >= limit {
		return Finding{}, false
	}
	vals := vitalsValues(v)
	vals["threshold"] = limit
	return Finding{Message: fmt.Sprintf("CRITICAL: blood oxygen at %.0f%%, seek immediate medical attention", *v.SpO2), Values: vals}, true
}

// low_spo2 only covers the band between critical and low.
func checkLowSpO2(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.SpO2 == nil {
		return Finding{}, false
	}
	if *v.SpO2 < ctx.Thresholds.Get(SpO2Critical) {
		return Finding{}, false
	}
	limit := ctx.Thresholds.Get(SpO2Low)
	if *v.SpO2 >= limit {
		return Finding{}, false
	}
	vals := vitalsValues(v)
	vals["threshold"] = limit
	return Finding{Message: fmt.Sprintf("Low blood oxygen: %.0f%% (normal >%.0f%%)", *v.SpO2, limit), Values: vals}, true
}

func checkRespiratoryDistress(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.SpO2 == nil || v.HeartRate == nil {
		return Finding{}, false
	}
	if !(*v.SpO2 < 94 && *v.HeartRate > 90) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Pattern suggests respiratory distress: SpO2 %.0f%%, HR %.0f BPM", *v.SpO2, *v.HeartRate), Values: vitalsValues(v)}, true
}

func checkInfectionPattern(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.SpO2 == nil || v.HeartRate == nil || v.TemperatureC == nil {
		return Finding{}, false
	}
	if !(*v.TemperatureC > 37.5 && *v.HeartRate > 90 && *v.SpO2 < 96) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Possible respiratory infection: temp %.1f°C, HR %.0f, SpO2 %.0f%%", *v.TemperatureC, *v.HeartRate, *v.SpO2), Values: vitalsValues(v)}, true
}

func checkFever(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.TemperatureC == nil || v.HeartRate == nil {
		return Finding{}, false
	}
	if !(*v.TemperatureC > ctx.Thresholds.Get(TempHigh) && *v.HeartRate > ctx.Thresholds.Get(HRHigh)) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Fever detected: %.1f°C with elevated HR (%.0f BPM)", *v.TemperatureC, *v.HeartRate), Values: vitalsValues(v)}, true
}

// high_temp is the fever branch without an elevated heart rate.
func checkHighTemp(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.TemperatureC == nil || v.HeartRate == nil {
		return Finding{}, false
	}
	if !(*v.TemperatureC > ctx.Thresholds.Get(TempHigh) && *v.HeartRate <= ctx.Thresholds.Get(HRHigh)) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Elevated temperature: %.1f°C", *v.TemperatureC), Values: vitalsValues(v)}, true
}

func checkTachycardia(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.HeartRate == nil {
		return Finding{}, false
	}
	if *v.HeartRate <= ctx.Thresholds.Get(HRHigh) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Elevated heart rate: %.0f BPM", *v.HeartRate), Values: vitalsValues(v)}, true
}

func checkBradycardia(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.HeartRate == nil || ctx.Profile.IsAthlete {
		return Finding{}, false
	}
	hr := *v.HeartRate
	if !(hr > 0 && hr < ctx.Thresholds.Get(HRLow)) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Low heart rate: %.0f BPM", hr), Values: vitalsValues(v)}, true
}

func checkTempUnreliable(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.HeartRate == nil || v.TemperatureC == nil {
		return Finding{}, false
	}
	if !(v.TempEstimated && *v.HeartRate > 100) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Temperature estimated, may be inaccurate during high HR (%.0f BPM)", *v.HeartRate), Values: vitalsValues(v)}, true
}

func checkHypothermia(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.TemperatureC == nil {
		return Finding{}, false
	}
	if *v.TemperatureC >= ctx.Thresholds.Get(TempLow) {
		return Finding{}, false
	}
	return Finding{Message: fmt.Sprintf("Low body temperature: %.1f°C", *v.TemperatureC), Values: vitalsValues(v)}, true
}

func checkSevereInfection(ctx Context) (Finding, bool) {
	v := vitals(ctx)
	if v == nil || v.SpO2 == nil || v.HeartRate == nil || v.TemperatureC == nil {
		return Finding{}, false
	}
	if !(*v.SpO2 < 90 && *v.HeartRate > 90 && *v.TemperatureC > 37.5) {
		return Finding{}, false
	}
	return Finding{Message: "CRITICAL: severe respiratory infection pattern detected", Values: vitalsValues(v)}, true
}
