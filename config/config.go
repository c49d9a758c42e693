package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// DispatcherConfig tunes the delivery loop. Zero values fall back to the
// defaults applied in Load.
type DispatcherConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	ClaimLease      time.Duration `yaml:"claim_lease"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffCap time.Duration `yaml:"retry_backoff_cap"`
	QuotaBackoff    time.Duration `yaml:"quota_backoff"`
}

type SMSConfig struct {
	GatewayURL     string        `yaml:"gateway_url"`
	DirectURL      string        `yaml:"direct_url"`
	DirectAPIKey   string        `yaml:"direct_api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type QuotaConfig struct {
	Period time.Duration `yaml:"period"`
}

type Config struct {
	DB         DBConfig         `yaml:"db"`
	Redis      RedisConfig      `yaml:"redis"`
	MQ         MQConfig         `yaml:"mq"`
	JWT        JWTConfig        `yaml:"jwt"`
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	SMS        SMSConfig        `yaml:"sms"`
	Quota      QuotaConfig      `yaml:"quota"`
}

func Load() *Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode %s: %v", path, err)
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = 20
	}
	if cfg.Dispatcher.TickInterval == 0 {
		cfg.Dispatcher.TickInterval = time.Minute
	}
	if cfg.Dispatcher.SendTimeout == 0 {
		cfg.Dispatcher.SendTimeout = 30 * time.Second
	}
	if cfg.Dispatcher.ClaimLease == 0 {
		cfg.Dispatcher.ClaimLease = 5 * time.Minute
	}
	if cfg.Dispatcher.RetryBackoff == 0 {
		cfg.Dispatcher.RetryBackoff = 30 * time.Second
	}
	if cfg.Dispatcher.RetryBackoffCap == 0 {
		cfg.Dispatcher.RetryBackoffCap = 10 * time.Minute
	}
	if cfg.Dispatcher.QuotaBackoff == 0 {
		cfg.Dispatcher.QuotaBackoff = 30 * time.Minute
	}
	if cfg.SMS.RequestTimeout == 0 {
		cfg.SMS.RequestTimeout = 10 * time.Second
	}
	if cfg.Quota.Period == 0 {
		cfg.Quota.Period = 30 * 24 * time.Hour
	}
}

func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	if url := os.Getenv("SMS_GATEWAY_URL"); url != "" {
		cfg.SMS.GatewayURL = url
	}
	if url := os.Getenv("SMS_DIRECT_URL"); url != "" {
		cfg.SMS.DirectURL = url
	}
	if key := os.Getenv("SMS_DIRECT_API_KEY"); key != "" {
		cfg.SMS.DirectAPIKey = key
	}
}
