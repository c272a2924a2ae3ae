package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/config"
)

const entranceYAML = `
device_id: gate-1
role: entrance
store:
  backend: rtdb
  url: http://server:8080/db
camera:
  snapshot_url: http://10.0.0.9/capture
classifier:
  endpoint: https://detect.example.com
  model: parking/3
  api_key: k
entrance:
  first_slot: 1
  last_slot: 7
  claim_mode: conditional
`

func noEnv(string) (string, bool) { return "", false }

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestParseDevice_Defaults(t *testing.T) {
	cfg, err := config.ParseDevice([]byte(entranceYAML), noEnv)
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}
	if cfg.Cooldown() != 10*time.Second || cfg.HeartbeatInterval() != 30*time.Second {
		t.Errorf("unexpected timing defaults: cooldown=%v heartbeat=%v", cfg.Cooldown(), cfg.HeartbeatInterval())
	}
	if cfg.Detection.VehicleFloor != 0.5 || cfg.Classifier.Confidence != 40 || cfg.Classifier.Overlap != 30 {
		t.Errorf("unexpected detection defaults %+v %+v", cfg.Detection, cfg.Classifier)
	}
	if cfg.Stream.Addr != ":81" || cfg.MQTT.Encoding != "json" || cfg.MQTT.ClientID != "parkwatch-gate-1" {
		t.Errorf("unexpected stream/mqtt defaults %+v %+v", cfg.Stream, cfg.MQTT)
	}
	if cfg.Entrance.ClaimMode != "conditional" || cfg.Env != "dev" {
		t.Errorf("unexpected values %+v env=%s", cfg.Entrance, cfg.Env)
	}
}

func TestParseDevice_EnvOverrides(t *testing.T) {
	cfg, err := config.ParseDevice([]byte(entranceYAML), env(map[string]string{
		"PARKWATCH_DEVICE_ID":   "gate-2",
		"PARKWATCH_LAST_SLOT":   "4",
		"PARKWATCH_COOLDOWN_S":  "3",
		"PARKWATCH_STORE_URL":   "http://other/db",
		"PARKWATCH_MQTT_BROKER": "",
	}))
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}
	if cfg.DeviceID != "gate-2" || cfg.Entrance.LastSlot != 4 || cfg.Cooldown() != 3*time.Second || cfg.Store.URL != "http://other/db" {
		t.Errorf("overrides not applied: %+v", cfg)
	}

	_, err = config.ParseDevice([]byte(entranceYAML), env(map[string]string{"PARKWATCH_LAST_SLOT": "-2"}))
	if err == nil || !strings.Contains(err.Error(), "PARKWATCH_LAST_SLOT") {
		t.Errorf("expected bad override to be reported, got %v", err)
	}
}

func TestParseDevice_ExplicitZeroIsKept(t *testing.T) {
	y := entranceYAML + `  cooldown_s: 0
detection:
  vehicle_floor: 0
  presence_floor: 0
`
	cfg, err := config.ParseDevice([]byte(y), noEnv)
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}
	if cfg.Detection.VehicleFloor != 0 || cfg.Detection.PresenceFloor != 0 || cfg.Cooldown() != 0 {
		t.Errorf("explicit zeros were replaced: %+v cooldown=%v", cfg.Detection, cfg.Cooldown())
	}
	if cfg.Detection.PlateFloor != 0.5 {
		t.Errorf("absent plate_floor should default, got %v", cfg.Detection.PlateFloor)
	}

	cfg, err = config.ParseDevice([]byte(entranceYAML), env(map[string]string{"PARKWATCH_COOLDOWN_S": "0"}))
	if err != nil || cfg.Cooldown() != 0 {
		t.Errorf("env zero cooldown not applied: %v %v", cfg, err)
	}
}

func TestParseDevice_SlotRole(t *testing.T) {
	y := `
device_id: slot-3
role: SLOT
store: {backend: dynamo, dynamo_table: parkwatch}
camera: {replay_dir: ./frames}
classifier: {endpoint: http://d, model: m/1}
slot: {id: 3, poll_interval_s: 2}
`
	cfg, err := config.ParseDevice([]byte(y), noEnv)
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}
	if cfg.Role != config.RoleSlot || cfg.Slot.ID != 3 || cfg.PollInterval() != 2*time.Second {
		t.Errorf("unexpected slot config %+v", cfg)
	}
}

func TestParseDevice_ValidationCollectsErrors(t *testing.T) {
	y := `
role: gatehouse
store: {backend: ftp}
camera: {snapshot_url: http://a, replay_dir: ./b}
detection: {vehicle_floor: 1.5}
mqtt: {encoding: xml}
`
	_, err := config.ParseDevice([]byte(y), noEnv)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"device_id", "store.backend", "exactly one of camera", "classifier.endpoint", "vehicle_floor", "role", "mqtt.encoding"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestParseDevice_BadYAML(t *testing.T) {
	if _, err := config.ParseDevice([]byte("device_id: [unterminated"), noEnv); err == nil {
		t.Error("expected parse error")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PARKWATCH_BACKEND", "MEMORY")
	t.Setenv("PARKWATCH_ENV", "staging")
	t.Setenv("PARKWATCH_KNOWN_CAMERAS", " gate-1, ,slot-3 ")
	t.Setenv("PARKWATCH_STALE_AFTER_SECONDS", "-5")
	t.Setenv("PARKWATCH_RATE_CAR", "7")

	cfg := config.FromEnv()
	if cfg.Backend != "memory" || cfg.Env != "dev" {
		t.Errorf("unexpected backend/env %q %q", cfg.Backend, cfg.Env)
	}
	if len(cfg.KnownCameras) != 2 || cfg.KnownCameras[1] != "slot-3" {
		t.Errorf("unexpected cameras %v", cfg.KnownCameras)
	}
	if cfg.StaleAfter() != 90*time.Second {
		t.Errorf("negative values fall back to the default, got %v", cfg.StaleAfter())
	}
	if cfg.DefaultRates[1] != 7 || cfg.SlotLayout == "" {
		t.Errorf("unexpected rates/layout %v %q", cfg.DefaultRates, cfg.SlotLayout)
	}
}
