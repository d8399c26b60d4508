package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env             string `mapstructure:"env"`
	Port            int    `mapstructure:"port"`
	ShutdownSeconds int    `mapstructure:"shutdown_seconds"`
}

type MongoConfig struct {
	URI                     string `mapstructure:"uri"`
	Database                string `mapstructure:"database"`
	ConversationsCollection string `mapstructure:"conversations_collection"`
	KeysCollection          string `mapstructure:"keys_collection"`
	OpTimeoutSeconds        int    `mapstructure:"op_timeout_seconds"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	TopicMessages string   `mapstructure:"topic_messages"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type JWTConfig struct {
	Alg           string `mapstructure:"alg"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Secret        string `mapstructure:"secret"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	PongWaitSeconds      int   `mapstructure:"pong_wait_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer           int   `mapstructure:"send_buffer"`
	EventsPerSecond      int   `mapstructure:"events_per_second"`
}

type RateLimitConfig struct {
	Requests      int `mapstructure:"requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	NATS      NATSConfig      `mapstructure:"nats"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	WS        WSConfig        `mapstructure:"ws"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`

	// derived/timeouts
	PingInterval    time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	PongWait        time.Duration `mapstructure:"-"`
	MongoTimeout    time.Duration `mapstructure:"-"`
	RateLimitWindow time.Duration `mapstructure:"-"`
	ShutdownTimeout time.Duration `mapstructure:"-"`
}

// Load reads the YAML file at path and applies CHAT_* environment overrides,
// e.g. CHAT_MONGO_URI or CHAT_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// AutomaticEnv only sees keys viper already knows, so the secrets that are
// usually absent from the file are bound explicitly.
func bindEnv(v *viper.Viper) {
	for _, k := range []string{"mongo.uri", "redis.addr", "redis.password", "jwt.secret", "jwt.alg", "jwt.public_key_path", "nats.url", "store.driver"} {
		_ = v.BindEnv(k)
	}
}

func (c *Config) applyDefaults() {
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.ShutdownSeconds == 0 {
		c.App.ShutdownSeconds = 10
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "securechat"
	}
	if c.Mongo.ConversationsCollection == "" {
		c.Mongo.ConversationsCollection = "conversations"
	}
	if c.Mongo.KeysCollection == "" {
		c.Mongo.KeysCollection = "device_keys"
	}
	if c.Mongo.OpTimeoutSeconds == 0 {
		c.Mongo.OpTimeoutSeconds = 5
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "chat"
	}
	if c.Kafka.TopicMessages == "" {
		c.Kafka.TopicMessages = "chat.messages"
	}
	if c.JWT.Alg == "" {
		c.JWT.Alg = "HS256"
	}
	if c.WS.PingIntervalSeconds == 0 {
		c.WS.PingIntervalSeconds = 25
	}
	if c.WS.WriteDeadlineSeconds == 0 {
		c.WS.WriteDeadlineSeconds = 10
	}
	if c.WS.PongWaitSeconds == 0 {
		c.WS.PongWaitSeconds = 60
	}
	if c.WS.MaxMessageSizeBytes == 0 {
		c.WS.MaxMessageSizeBytes = 65536
	}
	if c.WS.SendBuffer == 0 {
		c.WS.SendBuffer = 256
	}
	if c.WS.EventsPerSecond == 0 {
		c.WS.EventsPerSecond = 20
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 120
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "mongo"
	}
	if c.Store.MaxRetries == 0 {
		c.Store.MaxRetries = 5
	}

	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.PongWait = time.Duration(c.WS.PongWaitSeconds) * time.Second
	c.MongoTimeout = time.Duration(c.Mongo.OpTimeoutSeconds) * time.Second
	c.RateLimitWindow = time.Duration(c.RateLimit.WindowSeconds) * time.Second
	c.ShutdownTimeout = time.Duration(c.App.ShutdownSeconds) * time.Second
}

func (c *Config) Validate() error {
	switch c.JWT.Alg {
	case "HS256":
		if c.JWT.Secret == "" {
			return errors.New("jwt.secret required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	default:
		return fmt.Errorf("unsupported jwt.alg %q", c.JWT.Alg)
	}
	switch c.Store.Driver {
	case "mongo":
		if c.Mongo.URI == "" {
			return errors.New("mongo.uri required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.PingInterval >= c.PongWait {
		return errors.New("ws.ping_interval_seconds must be shorter than ws.pong_wait_seconds")
	}
	return nil
}

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.App.Port) }

func (c *Config) IsDevelopment() bool {
	return c.Log.Development || c.App.Env == "development"
}
