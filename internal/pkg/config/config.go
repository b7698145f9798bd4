package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DeviceCfg *DeviceConfig
	MqttCfg   *MqttConfig
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8000"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// DeviceConfig identifies the mower and tunes the link supervision.
type DeviceConfig struct {
	Address        string        `env:"DEVICE_ADDRESS"`
	Name           string        `env:"DEVICE_NAME"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	StaleAfter     time.Duration `env:"STALE_AFTER" envDefault:"90s"`
	ResponseWindow time.Duration `env:"RESPONSE_WINDOW" envDefault:"10s"`
}

type MqttConfig struct {
	Host     string `env:"MQTT_HOST"`
	Username string `env:"MQTT_USER"`
	Password string `env:"MQTT_PASS"`
}

// FromEnv builds a Config from the process environment. Command line
// flags layered on top win.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DeviceCfg: &DeviceConfig{},
		MqttCfg:   &MqttConfig{},
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg.DeviceCfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg.MqttCfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
