package rules

import (
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/google/uuid"
)

// Rule is a named predicate. It fires at most once per scope: the whole
// snapshot for SnapshotRule, each sensor channel for SensorRule.
type Rule interface {
	Type() string
	Evaluate(ctx Context) []model.Alert
}

// Finding is what a predicate reports when it holds.
type Finding struct {
	Message string
	Values  map[string]any
}

type SnapshotRule struct {
	Name      string
	SensorKey string
	Severity  model.Severity
	Check     func(ctx Context) (Finding, bool)
}

func (r SnapshotRule) Type() string { return r.Name }

func (r SnapshotRule) Evaluate(ctx Context) []model.Alert {
	fd, ok := r.Check(ctx)
	if !ok {
		return nil
	}
	return []model.Alert{newAlert(ctx, r.SensorKey, r.Name, r.Severity, fd)}
}

type SensorRule struct {
	Name     string
	Severity model.Severity
	Check    func(ctx Context, s SensorValues) (Finding, bool)
}

func (r SensorRule) Type() string { return r.Name }

func (r SensorRule) Evaluate(ctx Context) []model.Alert {
	if ctx.Snapshot.Energy == nil {
		return nil
	}
	var out []model.Alert
	for _, s := range ctx.Snapshot.Energy.Sensors {
		fd, ok := r.Check(ctx, s)
		if !ok {
			continue
		}
		out = append(out, newAlert(ctx, s.Key, r.Name, r.Severity, fd))
	}
	return out
}

func newAlert(ctx Context, sensorKey, ruleType string, sev model.Severity, fd Finding) model.Alert {
	snap := map[string]any{}
	for k, v := range fd.Values {
		snap[k] = v
	}
	at := ctx.At
	if at.IsZero() {
		at = time.Now()
	}
	snap["reading_at"] = at.UTC().Format(time.RFC3339Nano)
	return model.Alert{
		ID:        uuid.New(),
		DeviceID:  ctx.DeviceID,
		SensorKey: sensorKey,
		RuleType:  ruleType,
		Severity:  sev,
		Message:   fd.Message,
		Snapshot:  snap,
		Timestamp: at.UTC(),
	}
}

// Evaluate runs rules in order and collects every alert that fires.
func Evaluate(ctx Context, rules []Rule) []model.Alert {
	var out []model.Alert
	for _, r := range rules {
		out = append(out, r.Evaluate(ctx)...)
	}
	return out
}

// ForKind returns the rule set that runs after an event of kind k.
func ForKind(k model.EventKind) []Rule {
	switch k {
	case model.KindVitals:
		return HealthRules()
	case model.KindReading:
		return EnergyRules()
	case model.KindMotion:
		return IntrusionRules()
	}
	return nil
}

// All is the full catalogue in fixed order.
func All() []Rule {
	var out []Rule
	out = append(out, HealthRules()...)
	out = append(out, EnergyRules()...)
	out = append(out, IntrusionRules()...)
	return out
}
