package store

import (
	"encoding/json"
	"fmt"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"gorm.io/datatypes"
)

func EventRecordFrom(e model.Event) (EventRecord, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	rec := EventRecord{
		ID:            e.ID,
		DeviceID:      e.DeviceID,
		TS:            e.Timestamp.UTC(),
		Kind:          string(e.Kind),
		Seq:           int64(e.Seq),
		Payload:       datatypes.JSON(raw),
		Correlated:    e.Correlated,
		LinkedEventID: e.LinkedEventID,
	}
	if r, ok := e.Payload.(model.ReadingPayload); ok {
		rec.TotalWatts = r.TotalWatts()
	}
	return rec, nil
}

func (r EventRecord) Model() (model.Event, error) {
	kind, err := model.ParseKind(r.Kind)
	if err != nil {
		return model.Event{}, err
	}
	p, err := model.DecodePayload(kind, r.Payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("decode payload %s: %w", r.ID, err)
	}
	return model.Event{
		ID:            r.ID,
		DeviceID:      r.DeviceID,
		Kind:          kind,
		Timestamp:     r.TS.UTC(),
		Payload:       p,
		Correlated:    r.Correlated,
		LinkedEventID: r.LinkedEventID,
		Seq:           uint64(r.Seq),
	}, nil
}

func AlertRecordFrom(a model.Alert) AlertRecord {
	snap, _ := json.Marshal(a.Snapshot)
	return AlertRecord{
		ID:           a.ID,
		DeviceID:     a.DeviceID,
		SensorKey:    a.SensorKey,
		RuleType:     a.RuleType,
		Severity:     string(a.Severity),
		Message:      a.Message,
		Snapshot:     datatypes.JSON(snap),
		TS:           a.Timestamp.UTC(),
		EventID:      a.EventID,
		Acknowledged: a.Acknowledged,
	}
}

func (r AlertRecord) Model() model.Alert {
	var snap map[string]any
	if len(r.Snapshot) > 0 {
		_ = json.Unmarshal(r.Snapshot, &snap)
	}
	return model.Alert{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		SensorKey:    r.SensorKey,
		RuleType:     r.RuleType,
		Severity:     model.Severity(r.Severity),
		Message:      r.Message,
		Snapshot:     snap,
		Timestamp:    r.TS.UTC(),
		Acknowledged: r.Acknowledged,
		EventID:      r.EventID,
	}
}

func ThresholdRecordFrom(t model.Threshold) ThresholdRecord {
	return ThresholdRecord{DeviceID: t.DeviceID, Type: t.Type, Value: t.Value, Enabled: t.Enabled}
}

func (r ThresholdRecord) Model() model.Threshold {
	return model.Threshold{DeviceID: r.DeviceID, Type: r.Type, Value: r.Value, Enabled: r.Enabled}
}

func DeviceRecordFrom(p model.DeviceProfile) DeviceRecord {
	sensors, _ := json.Marshal(p.Sensors)
	tenant := p.TenantID
	if tenant == "" {
		tenant = model.DefaultTenant
	}
	return DeviceRecord{
		DeviceID:  p.DeviceID,
		Domain:    string(p.Domain),
		Name:      p.Name,
		TenantID:  tenant,
		IsAthlete: p.IsAthlete,
		RestingHR: p.RestingHR,
		Sensors:   datatypes.JSON(sensors),
	}
}

func (r DeviceRecord) Model() model.DeviceProfile {
	var sensors map[string]model.SensorProfile
	if len(r.Sensors) > 0 {
		_ = json.Unmarshal(r.Sensors, &sensors)
	}
	return model.DeviceProfile{
		DeviceID:  r.DeviceID,
		Domain:    model.Domain(r.Domain),
		Name:      r.Name,
		TenantID:  r.TenantID,
		IsAthlete: r.IsAthlete,
		RestingHR: r.RestingHR,
		Sensors:   sensors,
	}
}

func SettingsRecordFrom(s model.TenantSettings) TenantSettingsRecord {
	return TenantSettingsRecord{
		TenantID:         s.TenantID,
		EmergencyPhone:   s.EmergencyPhone,
		TelegramChatID:   s.TelegramChatID,
		TelegramBotToken: s.TelegramBotToken,
		TelegramActive:   s.TelegramActive,
		EmailTo:          s.EmailTo,
		DailyLimitKWh:    s.DailyLimitKWh,
	}
}

func (r TenantSettingsRecord) Model() model.TenantSettings {
	return model.TenantSettings{
		TenantID:         r.TenantID,
		EmergencyPhone:   r.EmergencyPhone,
		TelegramChatID:   r.TelegramChatID,
		TelegramBotToken: r.TelegramBotToken,
		TelegramActive:   r.TelegramActive,
		EmailTo:          r.EmailTo,
		DailyLimitKWh:    r.DailyLimitKWh,
	}
}
