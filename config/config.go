package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Inverter InverterConfig `yaml:"inverter"`
	Server   ServerConfig   `yaml:"server"`
	Logs     LogsConfig     `yaml:"logs"`
}

type MQTTConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
}

type InverterConfig struct {
	Port int `yaml:"port"` // TCP listener the dongles dial
}

type ServerConfig struct {
	Port int `yaml:"port"` // HTTP status/metrics listener
}

type LogsConfig struct {
	Path          string `yaml:"path"` // frame transcripts; empty disables
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads a yaml config on top of the defaults. An empty path
// returns the defaults, for flag-only operation.
func Load(path string) (*Config, error) {
	cfg := &Config{
		MQTT: MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			BaseTopic: "voltronic",
			ClientID:  "voltronic-wifi-bridge",
		},
		Inverter: InverterConfig{
			Port: 502,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logs: LogsConfig{
			RetentionDays: 30,
		},
	}

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
