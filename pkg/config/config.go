package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/coldpoint/permafrost/pkg/types"
)

// Spec declares the environment an entry point expects. Required keys
// must be present and non-empty; Defaults fill optional keys.
type Spec struct {
	Required []string
	Defaults map[string]string
}

// Load reads the environment according to spec and returns a flat
// key-value view. Every missing required key is named in the error so
// an operator can fix the unit file in one pass.
func Load(spec Spec) (map[string]string, error) {
	v := viper.New()
	for key, def := range spec.Defaults {
		v.SetDefault(key, def)
		_ = v.BindEnv(key)
	}

	var missing []string
	for _, key := range spec.Required {
		_ = v.BindEnv(key)
		if v.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}

	values := make(map[string]string)
	for key := range spec.Defaults {
		values[key] = v.GetString(key)
	}
	for _, key := range spec.Required {
		values[key] = v.GetString(key)
	}
	return values, nil
}

// Int parses an integer config value.
func Int(values map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(values[key])
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, values[key])
	}
	return n, nil
}

// Int64 parses a 64-bit integer config value.
func Int64(values map[string]string, key string) (int64, error) {
	n, err := strconv.ParseInt(values[key], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, values[key])
	}
	return n, nil
}

// Bool parses a boolean config value (true/false, 1/0, t/f).
func Bool(values map[string]string, key string) (bool, error) {
	b, err := strconv.ParseBool(strings.ToLower(values[key]))
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, values[key])
	}
	return b, nil
}

// Seconds parses an integer-seconds config value into a Duration.
func Seconds(values map[string]string, key string) (time.Duration, error) {
	n, err := Int(values, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// Coordinator holds the coordinator service environment.
type Coordinator struct {
	Host        string
	Port        int
	DataDir     string
	OpenIDURL   string
	Audience    string
	MaxBodySize int64
	MaxClaimAge time.Duration
	ReaperSleep time.Duration
	StaleAfter  time.Duration
	LogLevel    string
	MetricsPort int
}

// LoadCoordinator reads the coordinator environment. An empty
// LTA_AUTH_OPENID_URL disables token verification; that mode exists for
// tests and must never reach production.
func LoadCoordinator() (*Coordinator, error) {
	values, err := Load(Spec{
		Defaults: map[string]string{
			"LTA_REST_HOST":            "localhost",
			"LTA_REST_PORT":            "8080",
			"LTA_DATA_DIR":             "./permafrost-data",
			"LTA_AUTH_OPENID_URL":      "",
			"LTA_AUTH_AUDIENCE":        "long-term-archive",
			"LTA_MAX_BODY_SIZE":        "16777216",
			"LTA_MAX_CLAIM_AGE_HOURS":  "12",
			"LTA_REAPER_SLEEP_SECONDS": "300",
			"LTA_STALE_SECONDS":        "86400",
			"LOG_LEVEL":                "info",
			"PROMETHEUS_METRICS_PORT":  "8090",
		},
	})
	if err != nil {
		return nil, err
	}

	cfg := &Coordinator{
		Host:      values["LTA_REST_HOST"],
		DataDir:   values["LTA_DATA_DIR"],
		OpenIDURL: values["LTA_AUTH_OPENID_URL"],
		Audience:  values["LTA_AUTH_AUDIENCE"],
		LogLevel:  values["LOG_LEVEL"],
	}
	if cfg.Port, err = Int(values, "LTA_REST_PORT"); err != nil {
		return nil, err
	}
	if cfg.MaxBodySize, err = Int64(values, "LTA_MAX_BODY_SIZE"); err != nil {
		return nil, err
	}
	claimAgeHours, err := Int(values, "LTA_MAX_CLAIM_AGE_HOURS")
	if err != nil {
		return nil, err
	}
	cfg.MaxClaimAge = time.Duration(claimAgeHours) * time.Hour
	if cfg.ReaperSleep, err = Seconds(values, "LTA_REAPER_SLEEP_SECONDS"); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = Seconds(values, "LTA_STALE_SECONDS"); err != nil {
		return nil, err
	}
	if cfg.MetricsPort, err = Int(values, "PROMETHEUS_METRICS_PORT"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Worker holds the environment common to every stage worker.
type Worker struct {
	ComponentName    string
	SourceSite       string
	DestSite         string
	InputStatus      types.Status
	OutputStatus     types.Status
	RestURL          string
	OpenIDURL        string
	ClientID         string
	ClientSecret     string
	WorkSleep        time.Duration
	WorkRetries      int
	WorkTimeout      time.Duration
	HeartbeatSleep   time.Duration
	HeartbeatRetries int
	HeartbeatTimeout time.Duration
	RunOnceAndDie    bool
	RunUntilNoWork   bool
	LogLevel         string
	MetricsPort      int
}

// LoadWorker reads the common worker environment plus whatever extra
// keys the stage declares. The extra values come back in a flat map for
// the stage constructor to parse.
func LoadWorker(extra Spec) (*Worker, map[string]string, error) {
	spec := Spec{
		Required: append([]string{
			"COMPONENT_NAME",
			"LTA_REST_URL",
		}, extra.Required...),
		Defaults: map[string]string{
			"SOURCE_SITE":                      "",
			"DEST_SITE":                        "",
			"INPUT_STATUS":                     "",
			"OUTPUT_STATUS":                    "",
			"LTA_AUTH_OPENID_URL":              "",
			"CLIENT_ID":                        "long-term-archive",
			"CLIENT_SECRET":                    "",
			"WORK_SLEEP_DURATION_SECONDS":      "60",
			"WORK_RETRIES":                     "3",
			"WORK_TIMEOUT_SECONDS":             "30",
			"HEARTBEAT_SLEEP_DURATION_SECONDS": "60",
			"HEARTBEAT_PATCH_RETRIES":          "3",
			"HEARTBEAT_PATCH_TIMEOUT_SECONDS":  "30",
			"RUN_ONCE_AND_DIE":                 "false",
			"RUN_UNTIL_NO_WORK":                "false",
			"LOG_LEVEL":                        "info",
			"PROMETHEUS_METRICS_PORT":          "8080",
		},
	}
	for key, def := range extra.Defaults {
		spec.Defaults[key] = def
	}

	values, err := Load(spec)
	if err != nil {
		return nil, nil, err
	}

	cfg := &Worker{
		ComponentName: values["COMPONENT_NAME"],
		SourceSite:    values["SOURCE_SITE"],
		DestSite:      values["DEST_SITE"],
		InputStatus:   types.Status(values["INPUT_STATUS"]),
		OutputStatus:  types.Status(values["OUTPUT_STATUS"]),
		RestURL:       values["LTA_REST_URL"],
		OpenIDURL:     values["LTA_AUTH_OPENID_URL"],
		ClientID:      values["CLIENT_ID"],
		ClientSecret:  values["CLIENT_SECRET"],
		LogLevel:      values["LOG_LEVEL"],
	}
	if cfg.WorkSleep, err = Seconds(values, "WORK_SLEEP_DURATION_SECONDS"); err != nil {
		return nil, nil, err
	}
	if cfg.WorkRetries, err = Int(values, "WORK_RETRIES"); err != nil {
		return nil, nil, err
	}
	if cfg.WorkTimeout, err = Seconds(values, "WORK_TIMEOUT_SECONDS"); err != nil {
		return nil, nil, err
	}
	if cfg.HeartbeatSleep, err = Seconds(values, "HEARTBEAT_SLEEP_DURATION_SECONDS"); err != nil {
		return nil, nil, err
	}
	if cfg.HeartbeatRetries, err = Int(values, "HEARTBEAT_PATCH_RETRIES"); err != nil {
		return nil, nil, err
	}
	if cfg.HeartbeatTimeout, err = Seconds(values, "HEARTBEAT_PATCH_TIMEOUT_SECONDS"); err != nil {
		return nil, nil, err
	}
	if cfg.RunOnceAndDie, err = Bool(values, "RUN_ONCE_AND_DIE"); err != nil {
		return nil, nil, err
	}
	if cfg.RunUntilNoWork, err = Bool(values, "RUN_UNTIL_NO_WORK"); err != nil {
		return nil, nil, err
	}
	if cfg.MetricsPort, err = Int(values, "PROMETHEUS_METRICS_PORT"); err != nil {
		return nil, nil, err
	}

	if cfg.RunOnceAndDie && cfg.RunUntilNoWork {
		return nil, nil, fmt.Errorf("RUN_ONCE_AND_DIE and RUN_UNTIL_NO_WORK are mutually exclusive")
	}
	if cfg.OpenIDURL != "" && cfg.ClientSecret == "" {
		return nil, nil, fmt.Errorf("missing required environment: CLIENT_SECRET")
	}

	return cfg, values, nil
}
