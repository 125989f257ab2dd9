package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	ClassLink ClassLinkConfig `mapstructure:"classlink"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	Path            string        `mapstructure:"path"`   // sqlite file path
	URL             string        `mapstructure:"url"`    // postgres DSN
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the driver-appropriate connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}

type ClassLinkConfig struct {
	ManagementURL string        `mapstructure:"management_url"`
	BearerToken   string        `mapstructure:"bearer_token"`
	MgmtTimeout   time.Duration `mapstructure:"mgmt_timeout"`
	RosterTimeout time.Duration `mapstructure:"roster_timeout"`
}

type SnapshotConfig struct {
	BasePath         string        `mapstructure:"base_path"`
	PageSize         int           `mapstructure:"page_size"`
	PageDelay        time.Duration `mapstructure:"page_delay"`
	RetentionDays    int           `mapstructure:"retention_days"`
	LockStaleMinutes int           `mapstructure:"lock_stale_minutes"`
	FetchDeadline    time.Duration `mapstructure:"fetch_deadline"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/rostercache.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("classlink.management_url", "https://oneroster-proxy.classlink.io")
	v.SetDefault("classlink.mgmt_timeout", 10*time.Second)
	v.SetDefault("classlink.roster_timeout", 30*time.Second)
	v.SetDefault("snapshot.base_path", "./data/snapshots")
	v.SetDefault("snapshot.page_size", 2000)
	v.SetDefault("snapshot.page_delay", 500*time.Millisecond)
	v.SetDefault("snapshot.retention_days", 30)
	v.SetDefault("snapshot.lock_stale_minutes", 30)
	v.SetDefault("snapshot.fetch_deadline", 30*time.Minute)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.bucket", "roster-snapshots")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("classlink.bearer_token", "CLASSLINK_API_KEY")
	v.BindEnv("classlink.management_url", "CLASSLINK_MANAGEMENT_URL")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("archive.endpoint", "ARCHIVE_ENDPOINT")
	v.BindEnv("archive.access_key", "ARCHIVE_ACCESS_KEY")
	v.BindEnv("archive.secret_key", "ARCHIVE_SECRET_KEY")
	v.BindEnv("archive.bucket", "ARCHIVE_BUCKET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
