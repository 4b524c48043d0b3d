package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the seqfill configuration file
// (~/.config/seqfill/config.yaml). Fields are pointers so "not set" is
// distinguishable from zero values.
type Config struct {
	// Decoding defaults
	Strategy      string   `yaml:"strategy"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	Seed          *int64   `yaml:"seed"`
	NumBeams      *int64   `yaml:"num_beams"`
	LengthPenalty *float64 `yaml:"length_penalty"`
	MaxMemory     *int64   `yaml:"max_memory"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "seqfill", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	var cfg Config
	path := configPath()
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyFillConfig applies config file defaults to decoding variables when
// the corresponding CLI flag was not explicitly set.
func applyFillConfig(c *cli.Command, cfg Config, params *strategyParams, maxMemory *int64) {
	if cfg.Strategy != "" && !c.IsSet("strategy") {
		params.name = cfg.Strategy
	}
	if cfg.Temperature != nil && !c.IsSet("temperature") && !c.IsSet("temp") {
		params.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		params.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		params.topP = *cfg.TopP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		params.seed = *cfg.Seed
	}
	if cfg.NumBeams != nil && !c.IsSet("beams") {
		params.numBeams = *cfg.NumBeams
	}
	if cfg.LengthPenalty != nil && !c.IsSet("length-penalty") {
		params.lengthPenalty = *cfg.LengthPenalty
	}
	if cfg.MaxMemory != nil && !c.IsSet("max-memory") {
		*maxMemory = *cfg.MaxMemory
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
