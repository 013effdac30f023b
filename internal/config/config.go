package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Name         string `yaml:"name"`
	Port         string `yaml:"port,omitempty"` // e.g. ":8080"
	DatabasePath string `yaml:"database_path"`  // sqlite file location
	UploadDir    string `yaml:"upload_dir"`     // attachment storage root
	MaxFileSize  int64  `yaml:"max_file_size"`  // max upload size in MB

	PageSize        int           `yaml:"page_size"`        // timeline page length
	TypingTimeout   time.Duration `yaml:"typing_timeout"`   // typing liveness window
	SendRetries     int           `yaml:"send_retries"`     // store write attempts before surfacing failure
	FeedBuffer      int           `yaml:"feed_buffer"`      // per-subscriber event buffer
	MetricsInterval time.Duration `yaml:"metrics_interval"` // snapshot flush period

	ResubscribeInitial time.Duration `yaml:"resubscribe_initial"` // feed backoff start
	ResubscribeMax     time.Duration `yaml:"resubscribe_max"`     // feed backoff cap
}

// Load reads the yaml config at path and fills in defaults for anything
// left unset.
func Load(path string) (Config, error) {
	var conf Config

	f, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(f, &conf); err != nil {
		return conf, err
	}

	conf.applyDefaults()

	// Convert MB to bytes for internal use
	conf.MaxFileSize = conf.MaxFileSize * 1024 * 1024

	return conf, nil
}

// Default returns a usable configuration without a config file.
func Default() Config {
	var conf Config
	conf.applyDefaults()
	conf.MaxFileSize = conf.MaxFileSize * 1024 * 1024
	return conf
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "parish-chat"
	}
	if c.Port == "" {
		c.Port = ":8080"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/chat.db"
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads/attachments"
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 50 // MB
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 5 * time.Second
	}
	if c.SendRetries == 0 {
		c.SendRetries = 3
	}
	if c.FeedBuffer == 0 {
		c.FeedBuffer = 256
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = time.Minute
	}
	if c.ResubscribeInitial == 0 {
		c.ResubscribeInitial = 500 * time.Millisecond
	}
	if c.ResubscribeMax == 0 {
		c.ResubscribeMax = 30 * time.Second
	}
}
