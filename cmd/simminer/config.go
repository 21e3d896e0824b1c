package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	defaultURL      = "ws://localhost:3000/ws"
	defaultMode     = "Basic"
	defaultDuration = time.Minute
)

// config defines the configuration options for simminer.
type config struct {
	URL      string        `short:"u" long:"url" description:"mining server websocket URL"`
	Workers  int           `short:"w" long:"workers" description:"number of hashing workers (default: number of CPUs)"`
	Mode     string        `short:"m" long:"mode" description:"mining mode: Basic, Turbo, Super or Nitro"`
	Duration time.Duration `short:"d" long:"duration" description:"how long to mine, 0 runs until interrupted"`
	InitData string        `long:"initdata" description:"Telegram initData; empty works against a development server"`
	ZMQ      string        `long:"zmq" description:"optional ZMQ endpoint to follow round notifications"`
	LogLevel string        `long:"loglevel" description:"debug, info, warn or error"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig(args []string) (*config, error) {
	// Default config.
	cfg := config{
		URL:      defaultURL,
		Workers:  runtime.NumCPU(),
		Mode:     defaultMode,
		Duration: defaultDuration,
		LogLevel: "info",
	}

	// Parse command line options.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1")
	}
	return &cfg, nil
}
