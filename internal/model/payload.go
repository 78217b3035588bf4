package model

// Payload is the typed body of an event; one variant per EventKind.
type Payload interface {
	Kind() EventKind
}

type PIRState struct {
	Left   bool `json:"left"`
	Middle bool `json:"middle"`
	Right  bool `json:"right"`
}

func (p PIRState) AnyTriggered() bool { return p.Left || p.Middle || p.Right }

func (p PIRState) Count() int {
	n := 0
	for _, v := range []bool{p.Left, p.Middle, p.Right} {
		if v {
			n++
		}
	}
	return n
}

type MotionPayload struct {
	DetectionConfidence float64  `json:"detection_confidence"`
	PIR                 PIRState `json:"pir"`
	NetworkStatus       string   `json:"network_status"`
}

func (MotionPayload) Kind() EventKind { return KindMotion }

type ImagePayload struct {
	ImagePath     string `json:"image_path"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	FileSize      int64  `json:"file_size"`
	Source        string `json:"source,omitempty"`
}

func (ImagePayload) Kind() EventKind { return KindImage }

type SensorSample struct {
	CurrentAmps *float64 `json:"current_amps,omitempty"`
	Watts       float64  `json:"watts"`
	Voltage     *float64 `json:"voltage,omitempty"`
	Label       string   `json:"label,omitempty"`
	Category    string   `json:"category,omitempty"`
}

type Environment struct {
	TemperatureC    *float64 `json:"temperature_c,omitempty"`
	HumidityPercent *float64 `json:"humidity_percent,omitempty"`
	LightLux        *float64 `json:"light_lux,omitempty"`
	OutdoorTempC    *float64 `json:"outdoor_temp_c,omitempty"`
}

type ReadingPayload struct {
	Sensor1     SensorSample  `json:"sensor_1"`
	Sensor2     *SensorSample `json:"sensor_2,omitempty"`
	Environment Environment   `json:"environment"`
}

func (ReadingPayload) Kind() EventKind { return KindReading }

// TotalWatts sums both channels; used for the daily energy estimate.
func (p ReadingPayload) TotalWatts() float64 {
	w := p.Sensor1.Watts
	if p.Sensor2 != nil {
		w += p.Sensor2.Watts
	}
	return w
}

// Sensors returns the populated channels keyed sensor_1 / sensor_2 in order.
func (p ReadingPayload) Sensors() []NamedSensor {
	out := []NamedSensor{{Key: "sensor_1", Sample: p.Sensor1}}
	if p.Sensor2 != nil {
		out = append(out, NamedSensor{Key: "sensor_2", Sample: *p.Sensor2})
	}
	return out
}

type NamedSensor struct {
	Key    string
	Sample SensorSample
}

type HeartRate struct {
	BPM           int  `json:"bpm"`
	SignalQuality int  `json:"signal_quality"`
	IsValid       bool `json:"is_valid"`
}

type SpO2 struct {
	Percent       float64 `json:"percent"`
	SignalQuality int     `json:"signal_quality"`
	IsValid       bool    `json:"is_valid"`
}

type BodyTemperature struct {
	Celsius     float64 `json:"celsius"`
	Source      string  `json:"source,omitempty"`
	IsEstimated bool    `json:"is_estimated"`
}

type SystemHealth struct {
	BatteryPercent int     `json:"battery_percent"`
	BatteryVoltage float64 `json:"battery_voltage,omitempty"`
	WifiRSSI       int     `json:"wifi_rssi,omitempty"`
	UptimeSeconds  int64   `json:"uptime_seconds,omitempty"`
}

type VitalsPayload struct {
	HeartRate   HeartRate        `json:"heart_rate"`
	SpO2        *SpO2            `json:"spo2,omitempty"`
	Temperature *BodyTemperature `json:"temperature,omitempty"`
	System      *SystemHealth    `json:"system,omitempty"`
}

func (VitalsPayload) Kind() EventKind { return KindVitals }
