package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete RoboFIRE configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	HealthAddr       string         `yaml:"health_addr"`        // Health server listen address (default: :8080)
	Debug            bool           `yaml:"debug"`
	Source           SourceConfig   `yaml:"source"`
	Detector         DetectorConfig `yaml:"detector"`
	Fire             FireConfig     `yaml:"fire"`
	Decision         DecisionConfig `yaml:"decision"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Redis            RedisConfig    `yaml:"redis"`
	Kafka            KafkaConfig    `yaml:"kafka"`
}

// SourceConfig describes where frames come from
type SourceConfig struct {
	URI          string          `yaml:"uri"`            // "0" (device), ./video.mp4, http://192.168.4.1, rtsp://...
	Kind         string          `yaml:"kind"`           // auto, file, live, device
	Backend      string          `yaml:"backend"`        // auto, opencv, gstreamer
	FrameDelayMS int             `yaml:"frame_delay_ms"` // pause after each publish (default: 30)
	RetryDelayMS int             `yaml:"retry_delay_ms"` // backoff after a failed live read (default: 200)
	ReopenAfter  int             `yaml:"reopen_after"`   // consecutive live failures before reopening (default: 25)
	Width        int             `yaml:"width"`          // gstreamer output width (default: 640)
	Height       int             `yaml:"height"`         // gstreamer output height (default: 480)
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls exponential backoff when a live source is reopened
type ReconnectConfig struct {
	MaxRetries     int `yaml:"max_retries"`      // 0 = unlimited
	InitialDelayMS int `yaml:"initial_delay_ms"` // default: 1000
	MaxDelayMS     int `yaml:"max_delay_ms"`     // default: 30000
}

// DetectorConfig contains the object detector worker settings
type DetectorConfig struct {
	Command     string   `yaml:"command"`      // worker executable (default: python3)
	Args        []string `yaml:"args"`         // extra args before --model (default: [models/fire_worker.py])
	ModelPath   string   `yaml:"model_path"`   // YOLO weights (default: best.pt)
	Confidence  float64  `yaml:"confidence"`   // minimum confidence kept at the boundary (default: 0.6)
	SampleEvery int      `yaml:"sample_every"` // run detection every Nth frame (default: 10)
	TimeoutMS   int      `yaml:"timeout_ms"`   // per-inference deadline (default: 2000)
}

// FireConfig contains the hysteresis and planning thresholds
type FireConfig struct {
	Classes         []string `yaml:"classes"`          // default: fire, flame, smoke
	ObstacleClasses []string `yaml:"obstacle_classes"` // default: person, chair, table, car, sofa
	ConfirmFrames   int      `yaml:"confirm_frames"`   // default: 3
	ResetFrames     int      `yaml:"reset_frames"`     // default: 5
	AreaThreshold   int      `yaml:"area_threshold"`   // default: 20000
}

// DecisionConfig contains decision loop settings
type DecisionConfig struct {
	IdleDelayMS int `yaml:"idle_delay_ms"` // sleep when no new frame is available (default: 10)
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Decisions string `yaml:"decisions"`
	Health    string `yaml:"health"`
}

// RedisConfig contains the decision journal settings. An empty addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLS     int    `yaml:"ttl_s"` // journal key TTL in seconds (default: 600)
}

// KafkaConfig contains the decision event stream settings. Empty brokers disable it.
type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
	Acks    string `yaml:"acks"`
}

// Load reads and parses a YAML configuration file, applies environment
// overrides, then validates and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML without validation
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// FrameDelay returns the pause after each published frame
func (s SourceConfig) FrameDelay() time.Duration { return ms(s.FrameDelayMS) }

// RetryDelay returns the backoff after a failed live read
func (s SourceConfig) RetryDelay() time.Duration { return ms(s.RetryDelayMS) }

// Timeout returns the per-inference deadline
func (d DetectorConfig) Timeout() time.Duration { return ms(d.TimeoutMS) }

// IdleDelay returns the decision loop sleep when no new frame is available
func (d DecisionConfig) IdleDelay() time.Duration { return ms(d.IdleDelayMS) }

// TTL returns the journal key TTL
func (r RedisConfig) TTL() time.Duration { return time.Duration(r.TTLS) * time.Second }
