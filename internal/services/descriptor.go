package services

import (
	"time"
)

// Host indicates which orchestrator owns a service. Each host process sees
// its own services as HostLocal and its peer's as HostRemote; the combined
// descriptor set is shared so cross-machine dependencies resolve.
type Host string

const (
	HostLocal  Host = "local"
	HostRemote Host = "remote"
)

// HealthPolicy holds the per-service-class health check parameters.
// Model-loading classes typically carry a much longer StartPeriod than
// utility classes.
type HealthPolicy struct {
	StartPeriod time.Duration `yaml:"startPeriod"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"`
}

// ServiceDescriptor is the identity and contract for one managed process.
// Descriptors are immutable after registration; live state is tracked
// separately by the Registry.
type ServiceDescriptor struct {
	Name         string            `yaml:"name"`
	Host         Host              `yaml:"host"`
	ListenPort   int               `yaml:"listenPort"`
	HealthPort   int               `yaml:"healthPort"`
	Dependencies []string          `yaml:"dependencies"`
	Required     bool              `yaml:"required"`
	HealthPolicy HealthPolicy      `yaml:"healthPolicy"`
	Command      []string          `yaml:"command"`
	Env          map[string]string `yaml:"env"`
}

// IsLocal reports whether this orchestrator is responsible for launching
// the service. Remote services are only observed through the sync bridge.
func (d ServiceDescriptor) IsLocal() bool {
	return d.Host == HostLocal
}
