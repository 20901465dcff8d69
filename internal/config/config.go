package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	ObjectStore   ObjectStoreConfig
	Oracle        OracleConfig
	Workflow      WorkflowConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URI             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	SampleRows      int
	RowLimit        int
	// ParquetViews uses the form "table=path|path,table2=path".
	ParquetViews   string
	DemoDatasetURL string
}

type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

type OracleConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	Streaming   bool
	Timeout     time.Duration
}

type WorkflowConfig struct {
	Topology    string
	CheckMode   string
	MaxSteps    int
	PromptsFile string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("QUERYGRAPH_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid QUERYGRAPH_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "QUERYGRAPH_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "QUERYGRAPH_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "QUERYGRAPH_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "QUERYGRAPH_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "QUERYGRAPH_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "QUERYGRAPH_DATABASE_URI", &cfg.Database.URI) },
		func() error { return applyInt(lookup, "QUERYGRAPH_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns) },
		func() error { return applyInt(lookup, "QUERYGRAPH_DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "QUERYGRAPH_DATABASE_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "QUERYGRAPH_DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)
		},
		func() error { return applyInt(lookup, "QUERYGRAPH_DATABASE_SAMPLE_ROWS", &cfg.Database.SampleRows) },
		func() error { return applyInt(lookup, "QUERYGRAPH_DATABASE_ROW_LIMIT", &cfg.Database.RowLimit) },
		func() error { return applyString(lookup, "QUERYGRAPH_DATABASE_PARQUET_VIEWS", &cfg.Database.ParquetViews) },
		func() error { return applyString(lookup, "QUERYGRAPH_DEMO_DATASET_URL", &cfg.Database.DemoDatasetURL) },
		func() error { return applyString(lookup, "QUERYGRAPH_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "QUERYGRAPH_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "QUERYGRAPH_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "QUERYGRAPH_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error {
			return applyString(lookup, "QUERYGRAPH_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "QUERYGRAPH_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "QUERYGRAPH_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error { return applyString(lookup, "QUERYGRAPH_ORACLE_PROVIDER", &cfg.Oracle.Provider) },
		func() error { return applyString(lookup, "QUERYGRAPH_ORACLE_MODEL", &cfg.Oracle.Model) },
		func() error { return applyString(lookup, "QUERYGRAPH_ORACLE_BASE_URL", &cfg.Oracle.BaseURL) },
		func() error { return applyString(lookup, "QUERYGRAPH_ORACLE_API_KEY", &cfg.Oracle.APIKey) },
		func() error { return applyFloat(lookup, "QUERYGRAPH_ORACLE_TEMPERATURE", &cfg.Oracle.Temperature) },
		func() error { return applyBool(lookup, "QUERYGRAPH_ORACLE_STREAMING", &cfg.Oracle.Streaming) },
		func() error { return applyDuration(lookup, "QUERYGRAPH_ORACLE_TIMEOUT", &cfg.Oracle.Timeout) },
		func() error { return applyString(lookup, "QUERYGRAPH_WORKFLOW_TOPOLOGY", &cfg.Workflow.Topology) },
		func() error { return applyString(lookup, "QUERYGRAPH_WORKFLOW_CHECK_MODE", &cfg.Workflow.CheckMode) },
		func() error { return applyInt(lookup, "QUERYGRAPH_WORKFLOW_MAX_STEPS", &cfg.Workflow.MaxSteps) },
		func() error { return applyString(lookup, "QUERYGRAPH_WORKFLOW_PROMPTS_FILE", &cfg.Workflow.PromptsFile) },
		func() error { return applyBool(lookup, "QUERYGRAPH_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "QUERYGRAPH_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "QUERYGRAPH_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "QUERYGRAPH_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Database.URI == "" {
		return Config{}, fmt.Errorf("database uri is required")
	}
	if cfg.Oracle.Temperature < 0 || cfg.Oracle.Temperature > 1 {
		return Config{}, fmt.Errorf("invalid QUERYGRAPH_ORACLE_TEMPERATURE: %v is outside [0,1]", cfg.Oracle.Temperature)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "querygraph-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			URI:             "sqlite:///Chinook.db",
			MaxOpenConns:    4,
			MaxIdleConns:    4,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			SampleRows:      3,
			RowLimit:        200,
			DemoDatasetURL:  "https://storage.googleapis.com/benchmarks-artifacts/chinook/Chinook.db",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:        "localhost:9000",
			Region:          "us-east-1",
			AccessKeyID:     "minio",
			SecretAccessKey: "miniostorage",
		},
		Oracle: OracleConfig{
			Provider:    "ollama",
			Model:       "llama3.1",
			BaseURL:     "http://localhost:11434",
			Temperature: 0,
			Streaming:   false,
			Timeout:     60 * time.Second,
		},
		Workflow: WorkflowConfig{
			Topology:  "conditional",
			CheckMode: "auto",
			MaxSteps:  25,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}

// ParseParquetViews parses "table=path|path,table2=path" into a view map.
func ParseParquetViews(raw string) (map[string][]string, error) {
	views := map[string][]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return views, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		name, paths, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parquet view entry %q: expected table=path|path", entry)
		}
		for _, path := range strings.Split(paths, "|") {
			path = strings.TrimSpace(path)
			if path == "" {
				continue
			}
			views[name] = append(views[name], path)
		}
		if len(views[name]) == 0 {
			return nil, fmt.Errorf("invalid parquet view entry %q: at least one path is required", entry)
		}
	}
	return views, nil
}
