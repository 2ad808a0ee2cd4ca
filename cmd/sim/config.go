package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"Handel/internal/logger"

	"github.com/spf13/pflag"
)

const (
	nodesKey    = "nodes"
	offlineKey  = "offline"
	seedKey     = "seed"
	roundKey    = "round"
	payloadKey  = "payload"
	workersKey  = "workers"
	logLevelKey = "log-level"
	metricsKey  = "metrics"
)

// Config holds the simulation configuration.
type Config struct {
	// Nodes is the number of participants.
	Nodes int

	// Offline are the ids of participants that never send or receive.
	Offline map[int]bool

	// Seed derives every participant key. Equal seeds give equal keys.
	Seed string

	// Round is the round number mixed into the signed message.
	Round uint64

	// Payload is the data every participant signs.
	Payload string

	// Workers bounds the number of concurrent senders, 0 means unbounded.
	Workers int

	// LogLevel is the minimum level logged.
	LogLevel slog.Level

	// Metrics prints the collected metrics after the round.
	Metrics bool
}

// addFlags registers the simulation flags.
func addFlags(flags *pflag.FlagSet) {
	flags.Int(nodesKey, 16, "Number of participants")
	flags.String(offlineKey, "", "Comma separated ids of offline participants")
	flags.String(seedKey, "handel", "Seed for participant keys")
	flags.Uint64(roundKey, 1, "Round number")
	flags.String(payloadKey, "block", "Payload signed by every participant")
	flags.Int(workersKey, 0, "Maximum concurrent senders (0 = unbounded)")
	flags.String(logLevelKey, "info", "Log level (debug, info, warn, error)")
	flags.Bool(metricsKey, false, "Print metrics after the round")
}

// parseFlags reads the simulation flags into Config.
func parseFlags(flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{}

	var err error
	if cfg.Nodes, err = flags.GetInt(nodesKey); err != nil {
		return nil, err
	}

	if cfg.Nodes < 1 {
		return nil, fmt.Errorf("--%s must be at least 1, got %d", nodesKey, cfg.Nodes)
	}

	offline, err := flags.GetString(offlineKey)
	if err != nil {
		return nil, err
	}

	if cfg.Offline, err = parseOffline(offline, cfg.Nodes); err != nil {
		return nil, fmt.Errorf("--%s:\n%w", offlineKey, err)
	}

	if cfg.Seed, err = flags.GetString(seedKey); err != nil {
		return nil, err
	}

	if cfg.Round, err = flags.GetUint64(roundKey); err != nil {
		return nil, err
	}

	if cfg.Payload, err = flags.GetString(payloadKey); err != nil {
		return nil, err
	}

	if cfg.Workers, err = flags.GetInt(workersKey); err != nil {
		return nil, err
	}

	if cfg.Metrics, err = flags.GetBool(metricsKey); err != nil {
		return nil, err
	}

	level, err := flags.GetString(logLevelKey)
	if err != nil {
		return nil, err
	}

	if cfg.LogLevel, err = logger.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("--%s:\n%w", logLevelKey, err)
	}

	return cfg, nil
}

// parseOffline parses a comma separated id list.
func parseOffline(list string, nodes int) (map[int]bool, error) {
	offline := make(map[int]bool)
	if list == "" {
		return offline, nil
	}

	for _, field := range strings.Split(list, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("invalid id %q:\n%w", field, err)
		}

		if id < 0 || id >= nodes {
			return nil, fmt.Errorf("id %d out of range [0, %d)", id, nodes)
		}

		offline[id] = true
	}

	if len(offline) == nodes {
		return nil, fmt.Errorf("every participant is offline")
	}

	return offline, nil
}
