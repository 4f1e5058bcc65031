package config

import (
	"time"

	"fleetctl/internal/services"
)

// FleetConfig is the top-level configuration structure for fleetctl.
type FleetConfig struct {
	Fleet          FleetSettings                    `yaml:"fleet"`
	HealthPolicies map[string]services.HealthPolicy `yaml:"healthPolicies"`
	Services       []ServiceDefinition              `yaml:"services"`
}

// FleetSettings are the host-wide knobs shared by every service.
type FleetSettings struct {
	HostName string `yaml:"hostName"` // this machine's fleet identity, e.g. "alpha"
	PeerHost string `yaml:"peerHost,omitempty"`

	NATSURL string `yaml:"natsURL,omitempty"`

	PoolSize     int           `yaml:"poolSize,omitempty"`
	BaseBackoff  time.Duration `yaml:"baseBackoff,omitempty"`
	MaxBackoff   time.Duration `yaml:"maxBackoff,omitempty"`
	FleetTimeout time.Duration `yaml:"fleetTimeout,omitempty"`
	SyncInterval time.Duration `yaml:"syncInterval,omitempty"`

	// StateDB is the SQLite path for persisted fleet state. Empty keeps
	// state in memory only.
	StateDB string `yaml:"stateDB,omitempty"`

	// StopGrace is how long a stopped service gets between SIGTERM and
	// SIGKILL.
	StopGrace time.Duration `yaml:"stopGrace,omitempty"`

	Breaker BreakerSettings `yaml:"breaker,omitempty"`
}

// BreakerSettings tunes the per-service circuit breakers.
type BreakerSettings struct {
	FailureThreshold   int           `yaml:"failureThreshold,omitempty"`
	RecoveryTimeout    time.Duration `yaml:"recoveryTimeout,omitempty"`
	MaxRecoveryTimeout time.Duration `yaml:"maxRecoveryTimeout,omitempty"`
}

// ServiceDefinition is one service entry as written in the fleet file.
// Host is the machine name; the loader resolves it against
// FleetSettings.HostName to decide ownership. HealthPolicy names a class
// from the healthPolicies map.
type ServiceDefinition struct {
	Name         string            `yaml:"name"`
	Host         string            `yaml:"host"`
	ListenPort   int               `yaml:"listenPort,omitempty"`
	HealthPort   int               `yaml:"healthPort,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Required     bool              `yaml:"required,omitempty"`
	HealthPolicy string            `yaml:"healthPolicy,omitempty"`
	Command      []string          `yaml:"command,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
}
