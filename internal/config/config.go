package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file Load looks for.
const FileName = "qiblad.cfg.json"

// EnvPrefix prefixes environment overrides, e.g. QIBLAD_HTTP_ADDR.
const EnvPrefix = "QIBLAD"

// SessionConfig holds the compass session tunables
type SessionConfig struct {
	ProbeWindow           time.Duration `json:"probeWindow" mapstructure:"probeWindow"`
	CalibrationWindow     time.Duration `json:"calibrationWindow" mapstructure:"calibrationWindow"`
	MinCalibrationSamples int           `json:"minCalibrationSamples" mapstructure:"minCalibrationSamples"`
	SmoothingWindow       int           `json:"smoothingWindow" mapstructure:"smoothingWindow"`
	StoreTimeout          time.Duration `json:"storeTimeout" mapstructure:"storeTimeout"`
	IdleTimeout           time.Duration `json:"idleTimeout" mapstructure:"idleTimeout"`
}

// MemoryConfig holds in-memory storage backend settings
type MemoryConfig struct {
	// History is how many fixes are kept per device.
	History int `json:"history" mapstructure:"history"`
	// SnapshotPath, when set, is loaded on Init and written on Close.
	SnapshotPath     string `json:"snapshotPath" mapstructure:"snapshotPath"`
	CompressSnapshot bool   `json:"compressSnapshot" mapstructure:"compressSnapshot"`
}

// SQLiteConfig holds SQLite storage backend settings
type SQLiteConfig struct {
	// Path is the database file. Empty means in-memory with periodic dumps to DumpPath.
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"sslMode" mapstructure:"sslMode"`
}

// DSN renders the libpq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s`,
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds Redis storage backend settings
type RedisConfig struct {
	Addr      string        `json:"addr" mapstructure:"addr"`
	Password  string        `json:"password" mapstructure:"password"`
	DB        int           `json:"db" mapstructure:"db"`
	KeyPrefix string        `json:"keyPrefix" mapstructure:"keyPrefix"`
	TTL       time.Duration `json:"ttl" mapstructure:"ttl"`
}

// StorageConfig selects and configures the persisted store
type StorageConfig struct {
	Type     string         `json:"type" mapstructure:"type"`
	Memory   MemoryConfig   `json:"memory" mapstructure:"memory"`
	SQLite   SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `json:"postgres" mapstructure:"postgres"`
	Redis    RedisConfig    `json:"redis" mapstructure:"redis"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// HTTPConfig holds the API server settings
type HTTPConfig struct {
	Addr           string        `json:"addr" mapstructure:"addr"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowedOrigins"`
	Mode           string        `json:"mode" mapstructure:"mode"`
	PingInterval   time.Duration `json:"pingInterval" mapstructure:"pingInterval"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"writeTimeout"`
}

// MQTTConfig holds the snapshot mirror settings
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Broker      string `json:"broker" mapstructure:"broker"`
	ClientID    string `json:"clientId" mapstructure:"clientId"`
	Username    string `json:"username" mapstructure:"username"`
	Password    string `json:"password" mapstructure:"password"`
	TopicPrefix string `json:"topicPrefix" mapstructure:"topicPrefix"`
	QoS         byte   `json:"qos" mapstructure:"qos"`
}

// InfluxConfig holds the transition telemetry settings
type InfluxConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Protocol   string `json:"protocol" mapstructure:"protocol"`
	Host       string `json:"host" mapstructure:"host"`
	Port       string `json:"port" mapstructure:"port"`
	Token      string `json:"token" mapstructure:"token"`
	Org        string `json:"org" mapstructure:"org"`
	Bucket     string `json:"bucket" mapstructure:"bucket"`
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// URL returns the InfluxDB server URL.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// GraylogConfig holds the GELF log sink settings
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// Load reads configuration from the JSON file in configDir and sets default values.
// A .env file in configDir, if present, is loaded into the environment first;
// QIBLAD_* variables override file values.
func Load(configDir string) error {
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	setDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("session.probeWindow", "2s")
	viper.SetDefault("session.calibrationWindow", "1500ms")
	viper.SetDefault("session.minCalibrationSamples", 1)
	viper.SetDefault("session.smoothingWindow", 5)
	viper.SetDefault("session.storeTimeout", "2s")
	viper.SetDefault("session.idleTimeout", "10m")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.history", 32)
	viper.SetDefault("storage.memory.snapshotPath", "")
	viper.SetDefault("storage.memory.compressSnapshot", true)
	viper.SetDefault("storage.sqlite.path", "")
	viper.SetDefault("storage.sqlite.dumpPath", "./qiblad.db")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "qiblad")
	viper.SetDefault("storage.postgres.sslMode", "disable")
	viper.SetDefault("storage.redis.addr", "localhost:6379")
	viper.SetDefault("storage.redis.password", "")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.keyPrefix", "qiblad:device:")
	viper.SetDefault("storage.redis.ttl", "720h")

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.allowedOrigins", []string{"*"})
	viper.SetDefault("http.mode", "release")
	viper.SetDefault("http.pingInterval", "30s")
	viper.SetDefault("http.writeTimeout", "10s")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.clientId", "qiblad")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.topicPrefix", "qiblad")
	viper.SetDefault("mqtt.qos", 1)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "qiblad")
	viper.SetDefault("influx.bucket", "sessions")
	viper.SetDefault("influx.backupPath", "./logs/influx-backup.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "qiblad")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetSessionConfig returns the session tunables.
func GetSessionConfig() SessionConfig {
	return SessionConfig{
		ProbeWindow:           viper.GetDuration("session.probeWindow"),
		CalibrationWindow:     viper.GetDuration("session.calibrationWindow"),
		MinCalibrationSamples: viper.GetInt("session.minCalibrationSamples"),
		SmoothingWindow:       viper.GetInt("session.smoothingWindow"),
		StoreTimeout:          viper.GetDuration("session.storeTimeout"),
		IdleTimeout:           viper.GetDuration("session.idleTimeout"),
	}
}

// GetStorageConfig returns the storage backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			History:          viper.GetInt("storage.memory.history"),
			SnapshotPath:     viper.GetString("storage.memory.snapshotPath"),
			CompressSnapshot: viper.GetBool("storage.memory.compressSnapshot"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("storage.postgres.host"),
			Port:     viper.GetString("storage.postgres.port"),
			Username: viper.GetString("storage.postgres.username"),
			Password: viper.GetString("storage.postgres.password"),
			Database: viper.GetString("storage.postgres.database"),
			SSLMode:  viper.GetString("storage.postgres.sslMode"),
		},
		Redis: RedisConfig{
			Addr:      viper.GetString("storage.redis.addr"),
			Password:  viper.GetString("storage.redis.password"),
			DB:        viper.GetInt("storage.redis.db"),
			KeyPrefix: viper.GetString("storage.redis.keyPrefix"),
			TTL:       viper.GetDuration("storage.redis.ttl"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetHTTPConfig returns the API server configuration.
func GetHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:           viper.GetString("http.addr"),
		AllowedOrigins: viper.GetStringSlice("http.allowedOrigins"),
		Mode:           viper.GetString("http.mode"),
		PingInterval:   viper.GetDuration("http.pingInterval"),
		WriteTimeout:   viper.GetDuration("http.writeTimeout"),
	}
}

// GetMQTTConfig returns the MQTT mirror configuration.
func GetMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:     viper.GetBool("mqtt.enabled"),
		Broker:      viper.GetString("mqtt.broker"),
		ClientID:    viper.GetString("mqtt.clientId"),
		Username:    viper.GetString("mqtt.username"),
		Password:    viper.GetString("mqtt.password"),
		TopicPrefix: viper.GetString("mqtt.topicPrefix"),
		QoS:         byte(viper.GetUint("mqtt.qos")),
	}
}

// GetInfluxConfig returns the InfluxDB configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		Protocol:   viper.GetString("influx.protocol"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetGraylogConfig returns the Graylog configuration.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}
