package rules

import (
	"fmt"
	"strings"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"
)

const (
	systemKey = "system"

	standbyWattsMin  = 5.0
	hvacActiveWatts  = 200.0
	phantomAmpsLow   = 0.02
	phantomAmpsHigh  = 0.2
	curfewStartHour  = 23
	curfewEndHour    = 5
	freeCoolingDelta = 3.0
)

// EnergyRules returns the energy-waste rules in evaluation order.
func EnergyRules() []Rule {
	return []Rule{
		SnapshotRule{Name: "daily_limit_exceeded", SensorKey: systemKey, Severity: model.SeverityWarning, Check: checkDailyLimit},
		SensorRule{Name: "voltage_brownout", Severity: model.SeverityDanger, Check: checkBrownout},
		SensorRule{Name: "voltage_surge", Severity: model.SeverityDanger, Check: checkSurge},
		SensorRule{Name: "lighting_waste", Severity: model.SeverityWarning, Check: active(checkLightingWaste)},
		SensorRule{Name: "lighting_curfew_waste", Severity: model.SeverityWarning, Check: active(checkLightingCurfew)},
		SensorRule{Name: "hvac_inefficient_use", Severity: model.SeverityWarning, Check: active(checkHVACInefficient)},
		SensorRule{Name: "hvac_overcooling", Severity: model.SeverityWarning, Check: active(checkOvercooling)},
		SensorRule{Name: "free_cooling_avail", Severity: model.SeverityInfo, Check: active(checkFreeCooling)},
		SensorRule{Name: "hvac_overheating", Severity: model.SeverityWarning, Check: active(checkOverheating)},
		SensorRule{Name: "phantom_load", Severity: model.SeverityInfo, Check: active(checkPhantomLoad)},
	}
}

// active skips channels that are effectively off.
func active(check func(Context, SensorValues) (Finding, bool)) func(Context, SensorValues) (Finding, bool) {
	return func(ctx Context, s SensorValues) (Finding, bool) {
		if s.Watts == nil || *s.Watts < standbyWattsMin {
			return Finding{}, false
		}
		return check(ctx, s)
	}
}

func label(s SensorValues) string {
	if l := strings.TrimSpace(s.Label); l != "" {
		return strings.ToLower(l)
	}
	return strings.ReplaceAll(s.Key, "_", " ")
}

func hasWord(text string, words ...string) bool {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

func isLighting(s SensorValues) bool {
	return strings.EqualFold(s.Category, model.CategoryLighting) || strings.Contains(label(s), "light")
}

func isAC(s SensorValues) bool {
	l := label(s)
	return strings.EqualFold(s.Category, model.CategoryAC) || hasWord(l, "ac") || strings.Contains(l, "cooling") || strings.Contains(l, "air con")
}

func isHeater(s SensorValues) bool {
	l := label(s)
	return strings.EqualFold(s.Category, model.CategoryHeater) || strings.Contains(l, "heater") || strings.Contains(l, "heating")
}

func isHeating(s SensorValues) bool {
	l := label(s)
	return strings.EqualFold(s.Category, model.CategoryHVAC) || strings.Contains(l, "heater") || strings.Contains(l, "heating")
}

func sensorValues(s SensorValues, e *EnergyValues, wasteWatts float64) map[string]any {
	out := map[string]any{"sensor": s.Key, "label": label(s), "waste_watts": wasteWatts}
	if s.Category != "" {
		out["category"] = s.Category
	}
	if s.Watts != nil {
		out["watts"] = *s.Watts
	}
	if s.Amps != nil {
		out["amps"] = *s.Amps
	}
	if s.Voltage != nil {
		out["voltage"] = *s.Voltage
	}
	if e != nil {
		if e.IndoorTempC != nil {
			out["indoor_temp_c"] = *e.IndoorTempC
		}
		if e.OutdoorTempC != nil {
			out["outdoor_temp_c"] = *e.OutdoorTempC
		}
		if e.LightLux != nil {
			out["light_lux"] = *e.LightLux
		}
	}
	return out
}

func dailyLimit(ctx Context) float64 {
	if v, ok := ctx.Thresholds[DailyLimitKWh]; ok {
		return v
	}
	if ctx.Settings.DailyLimitKWh > 0 {
		return ctx.Settings.DailyLimitKWh
	}
	return Fallbacks[DailyLimitKWh]
}

func checkDailyLimit(ctx Context) (Finding, bool) {
	e := ctx.Snapshot.Energy
	if e == nil || e.DailyKWh == nil {
		return Finding{}, false
	}
	limit := dailyLimit(ctx)
	if *e.DailyKWh <= limit {
		return Finding{}, false
	}
	return Finding{
		Message: fmt.Sprintf("Daily usage (%.2f kWh) exceeded limit of %.1f kWh.", *e.DailyKWh, limit),
		Values:  map[string]any{"daily_kwh": *e.DailyKWh, "limit_kwh": limit, "waste_watts": 0.0},
	}, true
}

func checkBrownout(ctx Context, s SensorValues) (Finding, bool) {
	if s.Voltage == nil {
		return Finding{}, false
	}
	lo := ctx.Thresholds.Get(VoltageMin)
	if *s.Voltage >= lo {
		return Finding{}, false
	}
	vals := sensorValues(s, ctx.Snapshot.Energy, 0)
	vals["threshold"] = lo
	return Finding{Message: fmt.Sprintf("Low voltage detected (%.1fV). Potential brownout.", *s.Voltage), Values: vals}, true
}

func checkSurge(ctx Context, s SensorValues) (Finding, bool) {
	if s.Voltage == nil {
		return Finding{}, false
	}
	hi := ctx.Thresholds.Get(VoltageMax)
	if *s.Voltage <= hi {
		return Finding{}, false
	}
	vals := sensorValues(s, ctx.Snapshot.Energy, 0)
	vals["threshold"] = hi
	return Finding{Message: fmt.Sprintf("High voltage detected (%.1fV). Potential surge.", *s.Voltage), Values: vals}, true
}

func checkLightingWaste(ctx Context, s SensorValues) (Finding, bool) {
	e := ctx.Snapshot.Energy
	if !isLighting(s) || e.LightLux == nil {
		return Finding{}, false
	}
	if *e.LightLux <= ctx.Thresholds.Get(LuxDaylight) {
		return Finding{}, false
	}
	return Finding{
		Message: fmt.Sprintf("%s: lights ON but sufficient natural light (%.0f lux)", label(s), *e.LightLux),
		Values:  sensorValues(s, e, *s.Watts),
	}, true
}

// The curfew hour is taken from the reading time in UTC.
func checkLightingCurfew(ctx Context, s SensorValues) (Finding, bool) {
	if !isLighting(s) || ctx.At.IsZero() {
		return Finding{}, false
	}
	h := ctx.At.UTC().Hour()
	if !(h >= curfewStartHour || h < curfewEndHour) {
		return Finding{}, false
	}
	vals := sensorValues(s, ctx.Snapshot.Energy, *s.Watts)
	vals["hour_utc"] = h
	return Finding{Message: fmt.Sprintf("%s: lights ON during curfew hours (11 PM - 5 AM).", label(s)), Values: vals}, true
}

// AC running hard while it is already cold inside and not hot outside, or a
// heater running while it is warm on both sides.
func checkHVACInefficient(ctx Context, s SensorValues) (Finding, bool) {
	e := ctx.Snapshot.Energy
	if e.IndoorTempC == nil || e.OutdoorTempC == nil || *s.Watts <= hvacActiveWatts {
		return Finding{}, false
	}
	in, out := *e.IndoorTempC, *e.OutdoorTempC
	switch {
	case isAC(s) && in < 21.0 && out < 24.0:
		return Finding{
			Message: fmt.Sprintf("%s: AC is running but it's cool inside (%.1f°C) and outside (%.1f°C). Consider turning off.", label(s), in, out),
			Values:  sensorValues(s, e, *s.Watts),
		}, true
	case isHeater(s) && in > 25.0 && out > 20.0:
		return Finding{
			Message: fmt.Sprintf("%s: heater running but it's warm inside (%.1f°C) and outside (%.1f°C).", label(s), in, out),
			Values:  sensorValues(s, e, *s.Watts),
		}, true
	}
	return Finding{}, false
}

func checkOvercooling(ctx Context, s SensorValues) (Finding, bool) {
	e := ctx.Snapshot.Energy
	if !isAC(s) || e.IndoorTempC == nil || *e.IndoorTempC >= 20 {
		return Finding{}, false
	}
	return Finding{
		Message: fmt.Sprintf("%s: cooling at %.0fW but room is 20°C or colder (%.1f°C)", label(s), *s.Watts, *e.IndoorTempC),
		Values:  sensorValues(s, e, *s.Watts*0.5),
	}, true
}

func checkFreeCooling(ctx Context, s SensorValues) (Finding, bool) {
	e := ctx.Snapshot.Energy
	if !isAC(s) || e.IndoorTempC == nil || e.OutdoorTempC == nil {
		return Finding{}, false
	}
	if *e.IndoorTempC-*e.OutdoorTempC <= freeCoolingDelta {
		return Finding{}, false
	}
	return Finding{
		Message: fmt.Sprintf("%s: AC ON but it is cooler outside (%.1f°C). Open windows.", label(s), *e.OutdoorTempC),
		Values:  sensorValues(s, e, *s.Watts),
	}, true
}

func checkOverheating(ctx Context, s SensorValues) (Finding, bool) {
	e := ctx.Snapshot.Energy
	if !isHeating(s) || e.IndoorTempC == nil || *e.IndoorTempC <= 26 {
		return Finding{}, false
	}
	return Finding{
		Message: fmt.Sprintf("%s: heating at %.0fW but room is 26°C or warmer (%.1f°C)", label(s), *s.Watts, *e.IndoorTempC),
		Values:  sensorValues(s, e, *s.Watts*0.6),
	}, true
}

// Standby current must persist for the configured duration before it counts.
func checkPhantomLoad(ctx Context, s SensorValues) (Finding, bool) {
	if s.Amps == nil || s.LowCurrentSeconds == nil {
		return Finding{}, false
	}
	if !InStandbyBand(*s.Amps) {
		return Finding{}, false
	}
	sustain := ctx.Thresholds.Get(PhantomSustain)
	if *s.LowCurrentSeconds < sustain {
		return Finding{}, false
	}
	vals := sensorValues(s, ctx.Snapshot.Energy, *s.Watts)
	vals["low_current_seconds"] = *s.LowCurrentSeconds
	return Finding{Message: fmt.Sprintf("%s: drawing %.1fW standby power", label(s), *s.Watts), Values: vals}, true
}

// InStandbyBand reports whether a current draw looks like standby power.
func InStandbyBand(amps float64) bool {
	return amps > phantomAmpsLow && amps < phantomAmpsHigh
}

// EstimateKWh converts summed watt samples to kWh assuming one sample every
// five seconds, regardless of the actual spacing.
func EstimateKWh(sumWatts float64) float64 {
	return sumWatts * 5 / (3600 * 1000)
}
