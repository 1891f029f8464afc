package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EventLogSettings configures the shared event log (C2).
type EventLogSettings struct {
	Durable          bool
	DatabaseURL      string
	RingCapacity     int
	SubscriberBuffer int
}

// ClockSettings configures the realtime clock's alignment buffer (C3).
type ClockSettings struct {
	RealtimeBuffer time.Duration
}

// RunManagerSettings configures RunManager recovery behavior (C7).
type RunManagerSettings struct {
	RecoverOnStart bool
}

// SimulatorSettings configures the backtest fill engine (C6).
type SimulatorSettings struct {
	SlippageBPS   string
	CommissionBPS string
	MinCommission string
}

// BroadcasterSettings configures the SSE broadcaster (C8).
type BroadcasterSettings struct {
	ClientBuffer  int
	FanoutWorkers int
}

// Environment names the deployment environment the control plane runs in.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// WeaverSettings is the Weaver control plane's configuration tree, built
// from DefaultWeaver and overridden by WeaverFromEnv.
type WeaverSettings struct {
	Environment Environment
	EventLog    EventLogSettings
	Clock       ClockSettings
	RunManager  RunManagerSettings
	Simulator   SimulatorSettings
	Broadcaster BroadcasterSettings
}

// DefaultWeaver returns the default Weaver configuration.
func DefaultWeaver() WeaverSettings {
	return WeaverSettings{
		Environment: EnvProd,
		EventLog: EventLogSettings{
			Durable:          false,
			RingCapacity:     100_000,
			SubscriberBuffer: 256,
		},
		Clock: ClockSettings{
			RealtimeBuffer: 100 * time.Millisecond,
		},
		RunManager: RunManagerSettings{
			RecoverOnStart: true,
		},
		Simulator: SimulatorSettings{
			SlippageBPS:   "5",
			CommissionBPS: "10",
			MinCommission: "0.01",
		},
		Broadcaster: BroadcasterSettings{
			ClientBuffer:  256,
			FanoutWorkers: 16,
		},
	}
}

// WeaverFromEnv loads Weaver configuration from environment variables,
// overriding DefaultWeaver field by field; unset or unparsable values keep
// their defaults.
func WeaverFromEnv() WeaverSettings {
	cfg := DefaultWeaver()

	if env := strings.TrimSpace(os.Getenv("WEAVER_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_EVENTLOG_DURABLE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EventLog.Durable = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_DATABASE_URL")); v != "" {
		cfg.EventLog.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_EVENTLOG_RING_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventLog.RingCapacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_EVENTLOG_SUBSCRIBER_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventLog.SubscriberBuffer = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_CLOCK_REALTIME_BUFFER")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Clock.RealtimeBuffer = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_RUNMANAGER_RECOVER_ON_START")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RunManager.RecoverOnStart = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_SIMULATOR_SLIPPAGE_BPS")); v != "" {
		cfg.Simulator.SlippageBPS = v
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_SIMULATOR_COMMISSION_BPS")); v != "" {
		cfg.Simulator.CommissionBPS = v
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_SIMULATOR_MIN_COMMISSION")); v != "" {
		cfg.Simulator.MinCommission = v
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_BROADCASTER_CLIENT_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Broadcaster.ClientBuffer = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEAVER_BROADCASTER_FANOUT_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Broadcaster.FanoutWorkers = n
		}
	}

	return cfg
}
