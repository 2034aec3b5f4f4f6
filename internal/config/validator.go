package config

import (
	"fmt"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var (
	validKinds    = []string{"auto", "file", "live", "device"}
	validBackends = []string{"auto", "opencv", "gstreamer"}
)

// Validate checks the configuration and fills defaults for omitted values
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":8080"
	}

	if err := validateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := validateFire(&cfg.Fire); err != nil {
		return fmt.Errorf("fire: %w", err)
	}

	if cfg.Decision.IdleDelayMS <= 0 {
		cfg.Decision.IdleDelayMS = 10
	}

	validateMQTT(cfg)

	if cfg.Redis.TTLS <= 0 {
		cfg.Redis.TTLS = 600
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "robofire.decisions"
	}
	if cfg.Kafka.Acks == "" {
		cfg.Kafka.Acks = "1"
	}

	return nil
}

func validateSource(s *SourceConfig) error {
	s.URI = strings.TrimSpace(s.URI)
	if s.URI == "" {
		return fmt.Errorf("uri is required")
	}

	if s.Kind == "" {
		s.Kind = "auto"
	}
	if !oneOf(s.Kind, validKinds) {
		return fmt.Errorf("unknown kind '%s' (must be one of %v)", s.Kind, validKinds)
	}
	if s.Backend == "" {
		s.Backend = "auto"
	}
	if !oneOf(s.Backend, validBackends) {
		return fmt.Errorf("unknown backend '%s' (must be one of %v)", s.Backend, validBackends)
	}

	if s.FrameDelayMS < 0 {
		return fmt.Errorf("frame_delay_ms must be >= 0")
	}
	if s.FrameDelayMS == 0 {
		s.FrameDelayMS = 30
	}
	if s.RetryDelayMS <= 0 {
		s.RetryDelayMS = 200
	}
	if s.ReopenAfter <= 0 {
		s.ReopenAfter = 25
	}
	if s.Width <= 0 {
		s.Width = 640
	}
	if s.Height <= 0 {
		s.Height = 480
	}

	if s.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be >= 0")
	}
	if s.Reconnect.InitialDelayMS <= 0 {
		s.Reconnect.InitialDelayMS = 1000
	}
	if s.Reconnect.MaxDelayMS <= 0 {
		s.Reconnect.MaxDelayMS = 30000
	}
	if s.Reconnect.MaxDelayMS < s.Reconnect.InitialDelayMS {
		return fmt.Errorf("reconnect.max_delay_ms must be >= initial_delay_ms")
	}

	return nil
}

func validateDetector(d *DetectorConfig) error {
	if d.Command == "" {
		d.Command = "python3"
		if len(d.Args) == 0 {
			d.Args = []string{"models/fire_worker.py"}
		}
	}
	if d.ModelPath == "" {
		d.ModelPath = "best.pt"
	}

	if d.Confidence == 0 {
		d.Confidence = 0.6
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %.2f", d.Confidence)
	}

	if d.SampleEvery < 0 {
		return fmt.Errorf("sample_every must be > 0")
	}
	if d.SampleEvery == 0 {
		d.SampleEvery = 10
	}
	if d.TimeoutMS <= 0 {
		d.TimeoutMS = 2000
	}

	return nil
}

func validateFire(f *FireConfig) error {
	if len(f.Classes) == 0 {
		f.Classes = []string{"fire", "flame", "smoke"}
	}
	if len(f.ObstacleClasses) == 0 {
		f.ObstacleClasses = []string{"person", "chair", "table", "car", "sofa"}
	}
	for _, c := range f.Classes {
		if oneOf(strings.ToLower(c), lower(f.ObstacleClasses)) {
			return fmt.Errorf("class '%s' cannot be both fire and obstacle", c)
		}
	}

	if f.ConfirmFrames < 0 || f.ResetFrames < 0 || f.AreaThreshold < 0 {
		return fmt.Errorf("confirm_frames, reset_frames and area_threshold must be >= 0")
	}
	if f.ConfirmFrames == 0 {
		f.ConfirmFrames = 3
	}
	if f.ResetFrames == 0 {
		f.ResetFrames = 5
	}
	if f.AreaThreshold == 0 {
		f.AreaThreshold = 20000
	}

	return nil
}

func validateMQTT(cfg *Config) {
	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("robofire/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Decisions == "" {
		cfg.MQTT.Topics.Decisions = fmt.Sprintf("robofire/decisions/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("robofire/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":  1,
			"decision": 0,
			"health":   0,
		}
	}
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
