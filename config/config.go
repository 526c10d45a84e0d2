package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"metrika-logs/utils"
)

type Config struct {
	API  APIConfig  `yaml:"api"`
	Poll PollConfig `yaml:"poll"`
	Sink SinkConfig `yaml:"sink"`

	LogDir string `yaml:"log_dir"`
}

type APIConfig struct {
	HostURL   string `yaml:"host_url"` // vide = host Metrika par défaut
	CounterID int64  `yaml:"counter_id"`
	TokenEnv  string `yaml:"token_env"` // nom de la variable d'env portant le token OAuth
}

type PollConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	TransportAttempts int     `yaml:"transport_attempts"`
	WaitMinSeconds    int     `yaml:"wait_min_seconds"`
	WaitMaxSeconds    int     `yaml:"wait_max_seconds"`
	Multiplier        float64 `yaml:"multiplier"`
	Parallel          int     `yaml:"parallel"`
}

type SinkConfig struct {
	Driver string `yaml:"driver"` // "sqlite3", "mysql", "postgres"
	DSN    string `yaml:"db_dsn"`
	Table  string `yaml:"table"`
}

func LoadConfig(file string) (*Config, error) {
	var cfg Config
	root := utils.GetProjectRoot()
	cfgPath := filepath.Join(root, file)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
