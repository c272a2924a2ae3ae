package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the parkwatch server configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string // health service; empty disables

	Env     string // "dev" | "prod"
	Backend string // "memory" | "sqlite" | "dynamo"
	DBPath  string // e.g. "./data/parkwatch.db"

	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	// Slot layout provisioned on boot, e.g. "1-4:car,5-6:motorcycle,7:truck"
	SlotLayout   string
	DefaultRates [3]int64 // motorcycle, car, truck

	// Empty means every camera id is accepted as known.
	KnownCameras []string
	// Token devices must send as ?auth= on /db; empty disables the check.
	StoreAuth string

	StaleAfterSeconds        int
	StalenessIntervalSeconds int
	HealthProbeSeconds       int

	// sqlite change log retention
	ChangeRetentionHours int

	MQTTBroker   string
	MQTTEncoding string
}

func FromEnv() Config {
	addr := getenvDefault("PARKWATCH_HTTP_ADDR", ":8080")
	grpcAddr := getenvDefault("PARKWATCH_GRPC_ADDR", ":9090")

	env := strings.ToLower(getenvDefault("PARKWATCH_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	backend := strings.ToLower(getenvDefault("PARKWATCH_BACKEND", "sqlite"))
	switch backend {
	case "memory", "sqlite", "dynamo":
	default:
		backend = "sqlite"
	}

	return Config{
		HTTPAddr: addr,
		GRPCAddr: grpcAddr,
		Env:      env,
		Backend:  backend,
		DBPath:   getenvDefault("PARKWATCH_DB_PATH", "./data/parkwatch.db"),

		DynamoTable:    os.Getenv("PARKWATCH_DYNAMO_TABLE"),
		DynamoRegion:   os.Getenv("PARKWATCH_DYNAMO_REGION"),
		DynamoEndpoint: os.Getenv("PARKWATCH_DYNAMO_ENDPOINT"),

		SlotLayout: getenvDefault("PARKWATCH_SLOT_LAYOUT", "1-4:car,5-6:motorcycle,7:truck"),
		DefaultRates: [3]int64{
			int64(getenvInt("PARKWATCH_RATE_MOTORCYCLE", 2)),
			int64(getenvInt("PARKWATCH_RATE_CAR", 5)),
			int64(getenvInt("PARKWATCH_RATE_TRUCK", 10)),
		},

		KnownCameras: splitCSV(os.Getenv("PARKWATCH_KNOWN_CAMERAS")),
		StoreAuth:    os.Getenv("PARKWATCH_STORE_AUTH"),

		StaleAfterSeconds:        getenvInt("PARKWATCH_STALE_AFTER_SECONDS", 90),
		StalenessIntervalSeconds: getenvInt("PARKWATCH_STALENESS_INTERVAL_SECONDS", 15),
		HealthProbeSeconds:       getenvInt("PARKWATCH_HEALTH_PROBE_SECONDS", 10),
		ChangeRetentionHours:     getenvInt("PARKWATCH_CHANGE_RETENTION_HOURS", 24),

		MQTTBroker:   os.Getenv("PARKWATCH_MQTT_BROKER"),
		MQTTEncoding: getenvDefault("PARKWATCH_MQTT_ENCODING", "json"),
	}
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c Config) StalenessInterval() time.Duration {
	return time.Duration(c.StalenessIntervalSeconds) * time.Second
}

func (c Config) HealthProbeInterval() time.Duration {
	return time.Duration(c.HealthProbeSeconds) * time.Second
}

func (c Config) ChangeRetention() time.Duration {
	return time.Duration(c.ChangeRetentionHours) * time.Hour
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := parseNonNegative(v)
	if err != nil {
		return def
	}
	return n
}

func parseNonNegative(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
