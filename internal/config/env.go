package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override YAML values
const (
	EnvSource       = "ROBOFIRE_SOURCE"
	EnvSourceKind   = "ROBOFIRE_SOURCE_KIND"
	EnvModelPath    = "ROBOFIRE_MODEL_PATH"
	EnvConfidence   = "ROBOFIRE_CONFIDENCE"
	EnvSampleEvery  = "ROBOFIRE_SAMPLE_EVERY"
	EnvMQTTBroker   = "ROBOFIRE_MQTT_BROKER"
	EnvRedisAddr    = "ROBOFIRE_REDIS_ADDR"
	EnvKafkaBrokers = "ROBOFIRE_KAFKA_BROKERS"
	EnvHealthAddr   = "ROBOFIRE_HEALTH_ADDR"
	EnvDebug        = "ROBOFIRE_DEBUG"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration fields from ROBOFIRE_* variables
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str(EnvSource, &cfg.Source.URI)
	str(EnvSourceKind, &cfg.Source.Kind)
	str(EnvModelPath, &cfg.Detector.ModelPath)
	str(EnvMQTTBroker, &cfg.MQTT.Broker)
	str(EnvRedisAddr, &cfg.Redis.Addr)
	str(EnvKafkaBrokers, &cfg.Kafka.Brokers)
	str(EnvHealthAddr, &cfg.HealthAddr)

	if v, ok := lookup(EnvConfidence); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConfidence, err)
		}
		cfg.Detector.Confidence = f
	}
	if v, ok := lookup(EnvSampleEvery); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSampleEvery, err)
		}
		cfg.Detector.SampleEvery = n
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		cfg.Debug = b
	}

	return nil
}
