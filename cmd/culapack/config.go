package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/culapack/internal/config"
	"github.com/samcharles93/culapack/internal/logger"
)

// setup loads the configuration file, lets it fill in every flag the user
// did not set and installs the logger in ctx.
func setup(ctx context.Context, c *cli.Command) (context.Context, config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return ctx, cfg, cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
	}
	applyConfig(c, cfg)
	if err := (config.Config{Driver: driverName, LogFormat: logFormat}).Validate(); err != nil {
		return ctx, cfg, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, newLogger()), cfg, nil
}

// applyConfig applies config file defaults to the global flag variables
// when the corresponding CLI flag was not explicitly set.
func applyConfig(c *cli.Command, cfg config.Config) {
	if cfg.Driver != "" && !c.IsSet("driver") {
		driverName = cfg.Driver
	}
	if cfg.SimDevices != nil && !c.IsSet("sim-devices") {
		simDevices = int64(*cfg.SimDevices)
	}
	if len(cfg.Devices) > 0 && !c.IsSet("devices") {
		deviceList = joinInts(cfg.Devices)
	}
	if cfg.ImageDir != "" && !c.IsSet("image-dir") {
		imageDir = cfg.ImageDir
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg config.Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	// setup has already validated the format.
	f, _ := logger.ParseFormat(logFormat)
	return logger.New(os.Stderr, f, level)
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
