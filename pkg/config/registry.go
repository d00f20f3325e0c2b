package config

import "time"

// RegistryConfig holds runtime configuration for the registry service.
type RegistryConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	WorkspaceRoot      string
	RunTimeout         time.Duration
	RunTokenSecret     string
	RunTokenTTL        time.Duration
	CallbackBaseURL    string
	SeedDir            string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	ArtifactEndpoint   string
	ArtifactAccessKey  string
	ArtifactSecretKey  string
	ArtifactBucket     string
	ArtifactUseSSL     bool
	BenchmarkInterval  time.Duration
	BenchmarkDatasets  string
}

// LoadRegistryConfig constructs a RegistryConfig from environment variables.
func LoadRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("PGIP_ADDR", ":8000"),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		WorkspaceRoot:      GetString("PGIP_WORKSPACE_ROOT", "/tmp/pgip-runs"),
		RunTimeout:         time.Duration(GetInt("PGIP_RUN_TIMEOUT_SECONDS", 1800)) * time.Second,
		RunTokenSecret:     GetString("PGIP_RUN_TOKEN_SECRET", ""),
		RunTokenTTL:        time.Duration(GetInt("PGIP_RUN_TOKEN_TTL_MINUTES", 60)) * time.Minute,
		CallbackBaseURL:    GetString("PGIP_CALLBACK_BASE_URL", "http://localhost:8000"),
		SeedDir:            GetString("PGIP_SEED_DIR", ""),
		RateLimitRequests:  GetInt("PGIP_RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:    time.Duration(GetInt("PGIP_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		RateLimitRedisAddr: GetString("PGIP_RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("PGIP_RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("PGIP_RATE_LIMIT_REDIS_DB", 0),
		ArtifactEndpoint:   GetString("PGIP_ARTIFACT_ENDPOINT", ""),
		ArtifactAccessKey:  GetString("PGIP_ARTIFACT_ACCESS_KEY", ""),
		ArtifactSecretKey:  GetString("PGIP_ARTIFACT_SECRET_KEY", ""),
		ArtifactBucket:     GetString("PGIP_ARTIFACT_BUCKET", "artifacts"),
		ArtifactUseSSL:     GetBool("PGIP_ARTIFACT_USE_SSL", false),
		BenchmarkInterval:  time.Duration(GetInt("PGIP_BENCHMARK_INTERVAL_MINUTES", 0)) * time.Minute,
		BenchmarkDatasets:  GetString("PGIP_BENCHMARK_DATASETS", ""),
	}
}
