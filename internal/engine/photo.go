package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/google/uuid"
)

// RuleIntruderImage is raised when a camera image is linked to a motion
// event. It carries the image path so senders can forward the picture.
const RuleIntruderImage = "intruder_image"

// intruderPhoto builds the alert for a committed MOTION/IMAGE link, whichever
// of the two arrived first. It is not subject to the cool-down: each motion
// event links at most one image.
func intruderPhoto(ev model.Event, match *model.Event, now time.Time) *model.Alert {
	if match == nil {
		return nil
	}
	img, mot := ev, *match
	if ev.Kind == model.KindMotion {
		img, mot = *match, ev
	}
	ip, ok := img.Payload.(model.ImagePayload)
	if !ok {
		return nil
	}
	mp, ok := mot.Payload.(model.MotionPayload)
	if !ok {
		return nil
	}

	sensors := pirSensors(mp.PIR)
	snap := map[string]any{
		model.SnapshotImagePath: ip.ImagePath,
		"image_event_id":        img.ID.String(),
		"motion_event_id":       mot.ID.String(),
		"detection_confidence":  mp.DetectionConfidence,
		"pir_sensors":           sensors,
		"reading_at":            img.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ip.ThumbnailPath != "" {
		snap["thumbnail_path"] = ip.ThumbnailPath
	}
	msg := fmt.Sprintf("Intruder photo captured, confidence %.0f%%", mp.DetectionConfidence*100)
	if len(sensors) > 0 {
		msg += ", sensors: " + strings.Join(sensors, ", ")
	}
	imgID := img.ID
	return &model.Alert{
		ID:        uuid.New(),
		DeviceID:  img.DeviceID,
		SensorKey: "camera",
		RuleType:  RuleIntruderImage,
		Severity:  model.SeverityCritical,
		Message:   msg,
		Snapshot:  snap,
		Timestamp: now,
		EventID:   &imgID,
	}
}

func pirSensors(p model.PIRState) []string {
	var out []string
	if p.Left {
		out = append(out, "Left")
	}
	if p.Middle {
		out = append(out, "Middle")
	}
	if p.Right {
		out = append(out, "Right")
	}
	return out
}

func withPhoto(alerts []model.Alert, photo *model.Alert) []model.Alert {
	if photo == nil {
		return alerts
	}
	out := make([]model.Alert, 0, len(alerts)+1)
	out = append(out, alerts...)
	return append(out, *photo)
}
