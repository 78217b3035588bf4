package model

type Domain string

const (
	DomainSecurity Domain = "security"
	DomainEnergy   Domain = "energy"
	DomainHealth   Domain = "health"
)

// DomainForKind picks the registration domain used when a device is first
// seen through ingestion.
func DomainForKind(k EventKind) Domain {
	switch k {
	case KindReading:
		return DomainEnergy
	case KindVitals:
		return DomainHealth
	default:
		return DomainSecurity
	}
}

type Threshold struct {
	DeviceID string  `json:"device_id"`
	Type     string  `json:"threshold_type"`
	Value    float64 `json:"value"`
	Enabled  bool    `json:"enabled"`
}

// Appliance categories used by energy rules.
const (
	CategoryLighting = "Lighting"
	CategoryAC       = "AC"
	CategoryHeater   = "Heater"
	CategoryHVAC     = "HVAC"
	CategoryUnknown  = "Unknown"
)

type SensorProfile struct {
	Label    string `json:"label"`
	Category string `json:"category"`
}

// DeviceProfile holds the static fields rule predicates may consult.
type DeviceProfile struct {
	DeviceID  string                   `json:"device_id"`
	Domain    Domain                   `json:"domain"`
	Name      string                   `json:"name,omitempty"`
	TenantID  string                   `json:"tenant_id,omitempty"`
	IsAthlete bool                     `json:"is_athlete"`
	RestingHR *int                     `json:"resting_hr,omitempty"`
	Sensors   map[string]SensorProfile `json:"sensors,omitempty"`
}

// TenantSettings replaces the global singleton config rows; one per tenant.
type TenantSettings struct {
	TenantID         string  `json:"tenant_id"`
	EmergencyPhone   string  `json:"emergency_phone,omitempty"`
	TelegramChatID   string  `json:"telegram_chat_id,omitempty"`
	TelegramBotToken string  `json:"telegram_bot_token,omitempty"`
	TelegramActive   bool    `json:"telegram_active"`
	EmailTo          string  `json:"email_to,omitempty"`
	DailyLimitKWh    float64 `json:"daily_limit_kwh"`
}

const DefaultTenant = "default"
