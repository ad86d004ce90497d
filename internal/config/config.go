package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = ".bsky"
	envPrefix  = "BSA"

	StoreBackendTOML  = "toml"
	StoreBackendRedis = "redis"

	DefaultService = "https://bsky.social"

	keyService       = "service"
	keyStoreBackend  = "store.backend"
	keyStorePath     = "store.path"
	keySecretsDir    = "secrets.dir"
	keyRedisAddr     = "redis.addr"
	keyRedisDB       = "redis.db"
	keyRedisKey      = "redis.key"
	keyLogLevel      = "log.level"
	keyLogPretty     = "log.pretty"
	keyResumeOnStart = "session.resume_on_start"
)

type Config struct {
	Service       string `validate:"required,url"`
	Store         StoreConfig
	Log           LogConfig
	ResumeOnStart bool
}

type StoreConfig struct {
	Backend    string `validate:"oneof=toml redis"`
	Path       string `validate:"required_if=Backend toml"`
	SecretsDir string `validate:"required_if=Backend toml"`
	Redis      RedisConfig
}

type RedisConfig struct {
	Addr string
	DB   int `validate:"gte=0"`
	Key  string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads ~/.bsky/config.toml when present and overlays BSA_* environment
// variables, e.g. BSA_STORE_BACKEND for store.backend.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home directory: %w", err)
	}
	baseDir := filepath.Join(homeDir, configDir)

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(baseDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyService, DefaultService)
	v.SetDefault(keyStoreBackend, StoreBackendTOML)
	v.SetDefault(keyStorePath, filepath.Join(baseDir, "session.toml"))
	v.SetDefault(keySecretsDir, filepath.Join(baseDir, "secrets"))
	v.SetDefault(keyRedisAddr, "127.0.0.1:6379")
	v.SetDefault(keyRedisDB, 0)
	v.SetDefault(keyRedisKey, "bsa:session")
	v.SetDefault(keyLogLevel, "warn")
	v.SetDefault(keyLogPretty, false)
	v.SetDefault(keyResumeOnStart, true)

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		Service: strings.TrimRight(strings.TrimSpace(v.GetString(keyService)), "/"),
		Store: StoreConfig{
			Backend:    strings.ToLower(strings.TrimSpace(v.GetString(keyStoreBackend))),
			Path:       v.GetString(keyStorePath),
			SecretsDir: v.GetString(keySecretsDir),
			Redis: RedisConfig{
				Addr: v.GetString(keyRedisAddr),
				DB:   v.GetInt(keyRedisDB),
				Key:  v.GetString(keyRedisKey),
			},
		},
		Log: LogConfig{
			Level:  v.GetString(keyLogLevel),
			Pretty: v.GetBool(keyLogPretty),
		},
		ResumeOnStart: v.GetBool(keyResumeOnStart),
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
