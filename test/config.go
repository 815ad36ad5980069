package test

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// INTEG_TIMEOUT bounds how long the scenario waits for the pipeline to settle
	Timeout time.Duration `envconfig:"INTEG_TIMEOUT" default:"15s"`
	// INTEG_COLOURS enables colorized step headers for better log readability
	Colours bool `envconfig:"INTEG_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
