package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the settings shared by the proxy and the dashboard.
// The mapstructure tags tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	LoadBalancer LoadBalancerConfig `mapstructure:"loadbalancer"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Models       map[string]float64 `mapstructure:"models"`
	Recorder     RecorderConfig     `mapstructure:"recorder"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type ProxyConfig struct {
	Target string `mapstructure:"target"`
}

type LoadBalancerConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Strategy string         `mapstructure:"strategy"`
	Targets  []TargetConfig `mapstructure:"targets"`
}

type TargetConfig struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RecorderConfig controls where the proxy appends captured exchanges.
type RecorderConfig struct {
	Path string `mapstructure:"path"`
	// Fsync makes every append durable before the client gets its response.
	Fsync bool `mapstructure:"fsync"`
}

// DashboardConfig controls the live viewer process.
type DashboardConfig struct {
	Address      string        `mapstructure:"address"`
	LogPath      string        `mapstructure:"log_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxHistory bounds the entries kept in memory; 0 keeps all of them.
	MaxHistory   int           `mapstructure:"max_history"`
	QueueSize    int           `mapstructure:"session_queue"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	AdminKey     string        `mapstructure:"admin_key"`
}

var strategies = map[string]bool{
	"round-robin":   true,
	"weighted":      true,
	"least-latency": true,
	"random":        true,
}

// Validate rejects settings neither process can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Recorder.Path == "" {
		errs = append(errs, errors.New("recorder.path is empty"))
	}
	if c.Dashboard.LogPath == "" {
		errs = append(errs, errors.New("dashboard.log_path is empty"))
	}
	if c.Dashboard.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("dashboard.max_history %d is negative", c.Dashboard.MaxHistory))
	}
	if c.Dashboard.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("dashboard.session_queue %d is negative", c.Dashboard.QueueSize))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("ratelimit needs positive requests_per_second and burst"))
	}
	if c.LoadBalancer.Enabled {
		if !strategies[c.LoadBalancer.Strategy] {
			errs = append(errs, fmt.Errorf("unknown loadbalancer.strategy %q", c.LoadBalancer.Strategy))
		}
		if len(c.LoadBalancer.Targets) == 0 {
			errs = append(errs, errors.New("loadbalancer is enabled without targets"))
		}
	} else if c.Proxy.Target == "" {
		errs = append(errs, errors.New("proxy.target is empty"))
	}
	for model, price := range c.Models {
		if price < 0 {
			errs = append(errs, fmt.Errorf("models: negative price for %s", model))
		}
	}
	return errors.Join(errs...)
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore returns a store holding cfg, for callers that don't load from disk.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func newViper(configFile string) *viper.Viper {
	// "::" so model names with dots ("gpt-4.1") stay single map keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("LLMTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	v.SetDefault("server::port", ":8888")
	v.SetDefault("proxy::target", "https://api.anthropic.com")
	v.SetDefault("loadbalancer::strategy", "round-robin")
	v.SetDefault("ratelimit::requests_per_second", 10.0)
	v.SetDefault("ratelimit::burst", 20)
	v.SetDefault("redis::address", "localhost:6379")
	v.SetDefault("cache::ttl", 10*time.Minute)
	v.SetDefault("recorder::path", "log.jsonl")
	v.SetDefault("recorder::fsync", true)
	v.SetDefault("dashboard::address", ":8000")
	v.SetDefault("dashboard::log_path", "log.jsonl")
	v.SetDefault("dashboard::poll_interval", time.Second)
	v.SetDefault("dashboard::max_history", 0)
	v.SetDefault("dashboard::session_queue", 256)
	v.SetDefault("dashboard::write_timeout", 10*time.Second)
	v.SetDefault("dashboard::ping_interval", 30*time.Second)
	return v
}

// LoadAndWatch loads the config and watches for on-disk changes. An empty
// configFile means ./configs/config.yaml; if that file is absent the
// defaults and environment are used and nothing is watched.
func LoadAndWatch(configFile string) (*Store, error) {
	v := newViper(configFile)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("[CONFIG] no config file found, using defaults")
		watch = false
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := refresh(v, store); err != nil {
				log.Printf("[CONFIG] reload failed: %v", err)
			} else {
				log.Printf("[CONFIG] reloaded from %s", e.Name)
			}
		})
		v.WatchConfig()
	}

	return store, nil
}

// Load loads once and does not watch.
func Load(configFile string) (*Config, error) {
	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// refresh keeps the previous config when the new one does not validate.
func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	store.set(&cfg)
	return nil
}
