package dispatch

import (
	"fmt"
	"strings"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"
)

var severityIcon = map[model.Severity]string{
	model.SeverityInfo:     "ℹ️",
	model.SeverityWarning:  "⚠️",
	model.SeverityCritical: "🚨",
	model.SeverityDanger:   "🔥",
}

func subject(a model.Alert) string {
	return fmt.Sprintf("[%s] %s on %s", a.Severity, a.RuleType, a.DeviceID)
}

// text renders the plain message body shared by chat and email senders.
func text(n Notification) string {
	a := n.Alert
	var b strings.Builder
	if icon := severityIcon[a.Severity]; icon != "" {
		b.WriteString(icon + " ")
	}
	b.WriteString(subject(a))
	b.WriteString("\n")
	b.WriteString(a.Message)
	if a.SensorKey != "" {
		fmt.Fprintf(&b, "\nSensor: %s", a.SensorKey)
	}
	if img := a.ImagePath(); img != "" {
		fmt.Fprintf(&b, "\nImage: %s", img)
	}
	fmt.Fprintf(&b, "\nTime: %s", a.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	if n.Settings.EmergencyPhone != "" && (a.Severity == model.SeverityCritical || a.Severity == model.SeverityDanger) {
		fmt.Fprintf(&b, "\nEmergency contact: %s", n.Settings.EmergencyPhone)
	}
	return b.String()
}

// photoCaption is the short caption sent along with an intruder picture.
func photoCaption(n Notification) string {
	a := n.Alert
	var b strings.Builder
	b.WriteString("🚨 Intruder Alert!\n")
	fmt.Fprintf(&b, "Device: %s\n", a.DeviceID)
	fmt.Fprintf(&b, "Time: %s", a.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	if c, ok := a.Snapshot["detection_confidence"].(float64); ok {
		fmt.Fprintf(&b, "\nConfidence: %.0f%%", c*100)
	}
	if sensors := snapshotStrings(a.Snapshot["pir_sensors"]); len(sensors) > 0 {
		fmt.Fprintf(&b, "\nSensors: %s", strings.Join(sensors, ", "))
	}
	if n.Settings.EmergencyPhone != "" {
		fmt.Fprintf(&b, "\nEmergency contact: %s", n.Settings.EmergencyPhone)
	}
	return b.String()
}

// snapshotStrings accepts both the in-memory []string and the []any a
// snapshot decodes to after a round trip through storage.
func snapshotStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
