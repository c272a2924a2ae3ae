package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RoleEntrance = "entrance"
	RoleSlot     = "slot"
)

// Device is the configuration of one camera device.
type Device struct {
	DeviceID     string `yaml:"device_id"`
	Role         string `yaml:"role"` // entrance | slot
	IPAddress    string `yaml:"ip_address"`
	Env          string `yaml:"env"` // dev | prod
	RetryPauseMS int    `yaml:"retry_pause_ms"`
	HeartbeatS   int    `yaml:"heartbeat_interval_s"`

	Store      StoreConfig      `yaml:"store"`
	Camera     CameraConfig     `yaml:"camera"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Detection  DetectionConfig  `yaml:"detection"`
	Entrance   EntranceConfig   `yaml:"entrance"`
	Slot       SlotConfig       `yaml:"slot"`
	Stream     StreamConfig     `yaml:"stream"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // rtdb | dynamo
	URL        string `yaml:"url"`     // rtdb base url, e.g. http://server:8080/db
	AuthToken  string `yaml:"auth_token"`
	TimeoutS   int    `yaml:"timeout_s"`
	MaxRetries int    `yaml:"max_retries"`

	DynamoTable    string `yaml:"dynamo_table"`
	DynamoRegion   string `yaml:"dynamo_region"`
	DynamoEndpoint string `yaml:"dynamo_endpoint"` // local emulators
}

// CameraConfig names where frames come from. Exactly one source is set.
type CameraConfig struct {
	SnapshotURL string `yaml:"snapshot_url"`
	ReplayDir   string `yaml:"replay_dir"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

type ClassifierConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Confidence int    `yaml:"confidence"` // percent, sent to the detector
	Overlap    int    `yaml:"overlap"`    // percent
	TimeoutS   int    `yaml:"timeout_s"`
}

type DetectionConfig struct {
	VehicleFloor  float64 `yaml:"vehicle_floor"`
	PlateFloor    float64 `yaml:"plate_floor"`
	PresenceFloor float64 `yaml:"presence_floor"`
}

type EntranceConfig struct {
	FirstSlot    int    `yaml:"first_slot"`
	LastSlot     int    `yaml:"last_slot"`
	CooldownS    int    `yaml:"cooldown_s"`
	ClaimMode    string `yaml:"claim_mode"` // last_write_wins | conditional
	RequirePlate bool   `yaml:"require_plate"`
}

type SlotConfig struct {
	ID            int `yaml:"id"`
	PollIntervalS int `yaml:"poll_interval_s"`
}

type StreamConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Addr            string `yaml:"addr"`
	FrameIntervalMS int    `yaml:"frame_interval_ms"`
	PublicURL       string `yaml:"public_url"` // advertised in the camera record
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Encoding string `yaml:"encoding"` // json | msgpack
}

// LoadDevice reads a YAML device file, applies PARKWATCH_* overrides,
// fills defaults and validates.
func LoadDevice(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseDevice(data, os.LookupEnv)
}

// ParseDevice is LoadDevice without the file read. lookup is usually
// os.LookupEnv.
func ParseDevice(data []byte, lookup func(string) (string, bool)) (*Device, error) {
	// Settings where zero is a meaningful value are defaulted before
	// decoding, so only an absent key falls back.
	cfg := Device{
		Detection: DetectionConfig{VehicleFloor: 0.5, PlateFloor: 0.5, PresenceFloor: 0.5},
		Entrance:  EntranceConfig{CooldownS: 10},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Device) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PARKWATCH_DEVICE_ID", &c.DeviceID)
	str("PARKWATCH_ROLE", &c.Role)
	str("PARKWATCH_IP_ADDRESS", &c.IPAddress)
	str("PARKWATCH_ENV", &c.Env)
	str("PARKWATCH_STORE_BACKEND", &c.Store.Backend)
	str("PARKWATCH_STORE_URL", &c.Store.URL)
	str("PARKWATCH_STORE_AUTH_TOKEN", &c.Store.AuthToken)
	str("PARKWATCH_DYNAMO_TABLE", &c.Store.DynamoTable)
	str("PARKWATCH_CAMERA_SNAPSHOT_URL", &c.Camera.SnapshotURL)
	str("PARKWATCH_CLASSIFIER_ENDPOINT", &c.Classifier.Endpoint)
	str("PARKWATCH_CLASSIFIER_MODEL", &c.Classifier.Model)
	str("PARKWATCH_CLASSIFIER_API_KEY", &c.Classifier.APIKey)
	str("PARKWATCH_CLAIM_MODE", &c.Entrance.ClaimMode)
	str("PARKWATCH_MQTT_BROKER", &c.MQTT.Broker)

	var errs []error
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := parseNonNegative(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	integer("PARKWATCH_SLOT_ID", &c.Slot.ID)
	integer("PARKWATCH_FIRST_SLOT", &c.Entrance.FirstSlot)
	integer("PARKWATCH_LAST_SLOT", &c.Entrance.LastSlot)
	integer("PARKWATCH_COOLDOWN_S", &c.Entrance.CooldownS)
	integer("PARKWATCH_HEARTBEAT_INTERVAL_S", &c.HeartbeatS)
	return errors.Join(errs...)
}

func (c *Device) setDefaults() {
	c.Role = strings.ToLower(c.Role)
	c.Env = strings.ToLower(c.Env)
	if c.Env != "prod" {
		c.Env = "dev"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "rtdb"
	}
	if c.Store.TimeoutS == 0 {
		c.Store.TimeoutS = 10
	}
	if c.Camera.TimeoutMS == 0 {
		c.Camera.TimeoutMS = 5000
	}
	if c.Classifier.Confidence == 0 {
		c.Classifier.Confidence = 40
	}
	if c.Classifier.Overlap == 0 {
		c.Classifier.Overlap = 30
	}
	if c.Classifier.TimeoutS == 0 {
		c.Classifier.TimeoutS = 10
	}
	if c.Entrance.ClaimMode == "" {
		c.Entrance.ClaimMode = "last_write_wins"
	}
	if c.Slot.PollIntervalS == 0 {
		c.Slot.PollIntervalS = 5
	}
	if c.RetryPauseMS == 0 {
		c.RetryPauseMS = 1000
	}
	if c.HeartbeatS == 0 {
		c.HeartbeatS = 30
	}
	if c.Stream.Addr == "" {
		c.Stream.Addr = ":81"
	}
	if c.Stream.FrameIntervalMS == 0 {
		c.Stream.FrameIntervalMS = 200
	}
	if c.MQTT.Encoding == "" {
		c.MQTT.Encoding = "json"
	}
	if c.MQTT.ClientID == "" && c.DeviceID != "" {
		c.MQTT.ClientID = "parkwatch-" + c.DeviceID
	}
}

// Validate reports every problem at once.
func (c *Device) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}

	switch c.Store.Backend {
	case "rtdb":
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the rtdb backend"))
		}
	case "dynamo":
		if c.Store.DynamoTable == "" {
			errs = append(errs, errors.New("store.dynamo_table is required for the dynamo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be rtdb or dynamo", c.Store.Backend))
	}

	if (c.Camera.SnapshotURL == "") == (c.Camera.ReplayDir == "") {
		errs = append(errs, errors.New("exactly one of camera.snapshot_url and camera.replay_dir is required"))
	}
	if c.Classifier.Endpoint == "" || c.Classifier.Model == "" {
		errs = append(errs, errors.New("classifier.endpoint and classifier.model are required"))
	}
	for name, f := range map[string]float64{
		"vehicle_floor":  c.Detection.VehicleFloor,
		"plate_floor":    c.Detection.PlateFloor,
		"presence_floor": c.Detection.PresenceFloor,
	} {
		if f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("detection.%s must be within [0,1]", name))
		}
	}

	switch c.Role {
	case RoleEntrance:
		if c.Entrance.FirstSlot < 1 || c.Entrance.LastSlot < c.Entrance.FirstSlot {
			errs = append(errs, fmt.Errorf("entrance slot range %d-%d is empty", c.Entrance.FirstSlot, c.Entrance.LastSlot))
		}
		if c.Entrance.ClaimMode != "last_write_wins" && c.Entrance.ClaimMode != "conditional" {
			errs = append(errs, fmt.Errorf("entrance.claim_mode %q must be last_write_wins or conditional", c.Entrance.ClaimMode))
		}
	case RoleSlot:
		if c.Slot.ID < 1 {
			errs = append(errs, errors.New("slot.id is required for the slot role"))
		}
	default:
		errs = append(errs, fmt.Errorf("role %q must be entrance or slot", c.Role))
	}

	if c.MQTT.Encoding != "json" && c.MQTT.Encoding != "msgpack" {
		errs = append(errs, fmt.Errorf("mqtt.encoding %q must be json or msgpack", c.MQTT.Encoding))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	return errors.Join(errs...)
}

func (c *Device) RetryPause() time.Duration { return time.Duration(c.RetryPauseMS) * time.Millisecond }

func (c *Device) HeartbeatInterval() time.Duration { return time.Duration(c.HeartbeatS) * time.Second }

func (c *Device) Cooldown() time.Duration { return time.Duration(c.Entrance.CooldownS) * time.Second }

func (c *Device) PollInterval() time.Duration { return time.Duration(c.Slot.PollIntervalS) * time.Second }

func (c *Device) StoreTimeout() time.Duration { return time.Duration(c.Store.TimeoutS) * time.Second }

func (c *Device) CameraTimeout() time.Duration { return time.Duration(c.Camera.TimeoutMS) * time.Millisecond }

func (c *Device) ClassifierTimeout() time.Duration {
	return time.Duration(c.Classifier.TimeoutS) * time.Second
}

func (c *Device) FrameInterval() time.Duration {
	return time.Duration(c.Stream.FrameIntervalMS) * time.Millisecond
}
