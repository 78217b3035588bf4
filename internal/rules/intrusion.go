package rules

import (
	"fmt"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"
)

func IntrusionRules() []Rule {
	return []Rule{
		SnapshotRule{Name: "intrusion_motion", SensorKey: "pir", Severity: model.SeverityCritical, Check: checkIntrusion},
	}
}

func checkIntrusion(ctx Context) (Finding, bool) {
	m := ctx.Snapshot.Motion
	if m == nil || !m.PIR.AnyTriggered() {
		return Finding{}, false
	}
	if m.DetectionConfidence < ctx.Thresholds.Get(MotionConfidenceMin) {
		return Finding{}, false
	}
	return Finding{
		Message: fmt.Sprintf("Motion detected by %d PIR sensor(s), confidence %.0f%%", m.PIR.Count(), m.DetectionConfidence*100),
		Values: map[string]any{
			"detection_confidence": m.DetectionConfidence,
			"pir_left":             m.PIR.Left,
			"pir_middle":           m.PIR.Middle,
			"pir_right":            m.PIR.Right,
			"network_status":       m.NetworkStatus,
		},
	}, true
}
