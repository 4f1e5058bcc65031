package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"fleetctl/internal/services"
)

// Load reads and validates a fleet file, layering it over the defaults.
func Load(path string) (FleetConfig, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return FleetConfig{}, fmt.Errorf("error reading fleet file %s: %w", path, err)
	}

	var fileConfig FleetConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return FleetConfig{}, fmt.Errorf("error parsing fleet file %s: %w", path, err)
	}

	config = mergeConfigs(config, fileConfig)
	if err := Validate(config); err != nil {
		return FleetConfig{}, fmt.Errorf("invalid fleet file %s: %w", path, err)
	}
	return config, nil
}

// mergeConfigs merges 'overlay' config into 'base' config.
func mergeConfigs(base, overlay FleetConfig) FleetConfig {
	merged := base

	if overlay.Fleet.HostName != "" {
		merged.Fleet.HostName = overlay.Fleet.HostName
	}
	if overlay.Fleet.PeerHost != "" {
		merged.Fleet.PeerHost = overlay.Fleet.PeerHost
	}
	if overlay.Fleet.NATSURL != "" {
		merged.Fleet.NATSURL = overlay.Fleet.NATSURL
	}
	if overlay.Fleet.PoolSize != 0 {
		merged.Fleet.PoolSize = overlay.Fleet.PoolSize
	}
	if overlay.Fleet.BaseBackoff != 0 {
		merged.Fleet.BaseBackoff = overlay.Fleet.BaseBackoff
	}
	if overlay.Fleet.MaxBackoff != 0 {
		merged.Fleet.MaxBackoff = overlay.Fleet.MaxBackoff
	}
	if overlay.Fleet.FleetTimeout != 0 {
		merged.Fleet.FleetTimeout = overlay.Fleet.FleetTimeout
	}
	if overlay.Fleet.SyncInterval != 0 {
		merged.Fleet.SyncInterval = overlay.Fleet.SyncInterval
	}
	if overlay.Fleet.StateDB != "" {
		merged.Fleet.StateDB = overlay.Fleet.StateDB
	}
	if overlay.Fleet.StopGrace != 0 {
		merged.Fleet.StopGrace = overlay.Fleet.StopGrace
	}
	if overlay.Fleet.Breaker.FailureThreshold != 0 {
		merged.Fleet.Breaker.FailureThreshold = overlay.Fleet.Breaker.FailureThreshold
	}
	if overlay.Fleet.Breaker.RecoveryTimeout != 0 {
		merged.Fleet.Breaker.RecoveryTimeout = overlay.Fleet.Breaker.RecoveryTimeout
	}
	if overlay.Fleet.Breaker.MaxRecoveryTimeout != 0 {
		merged.Fleet.Breaker.MaxRecoveryTimeout = overlay.Fleet.Breaker.MaxRecoveryTimeout
	}

	// Policy classes from the file override same-named defaults.
	for name, policy := range overlay.HealthPolicies {
		merged.HealthPolicies[name] = policy
	}

	merged.Services = overlay.Services
	return merged
}

// Validate checks cross-field consistency of a loaded configuration.
func Validate(config FleetConfig) error {
	if config.Fleet.HostName == "" {
		return fmt.Errorf("fleet.hostName must be set")
	}

	type hostPort struct {
		host string
		port int
	}

	seen := make(map[string]bool)
	ports := make(map[hostPort]string)
	for _, s := range config.Services {
		if s.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true

		if s.Host == "" {
			return fmt.Errorf("service %q: host must be set", s.Name)
		}
		if s.Host != config.Fleet.HostName && s.Host != config.Fleet.PeerHost {
			return fmt.Errorf("service %q: host %q is neither %q nor peer %q",
				s.Name, s.Host, config.Fleet.HostName, config.Fleet.PeerHost)
		}

		if s.HealthPolicy != "" {
			if _, ok := config.HealthPolicies[s.HealthPolicy]; !ok {
				return fmt.Errorf("service %q: unknown health policy class %q", s.Name, s.HealthPolicy)
			}
		}

		// Port collisions only matter between services on the same host.
		for _, port := range []int{s.ListenPort, s.HealthPort} {
			if port == 0 {
				continue
			}
			key := hostPort{host: s.Host, port: port}
			if owner, taken := ports[key]; taken {
				return fmt.Errorf("service %q: port %d already used by %q", s.Name, port, owner)
			}
			ports[key] = s.Name
		}

		if s.Host == config.Fleet.HostName && len(s.Command) == 0 {
			return fmt.Errorf("service %q: local services need a command", s.Name)
		}
	}

	for _, s := range config.Services {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("service %q: unknown dependency %q", s.Name, dep)
			}
			if dep == s.Name {
				return fmt.Errorf("service %q depends on itself", s.Name)
			}
		}
	}
	return nil
}

// Descriptors resolves the service definitions into runtime descriptors
// from this host's point of view: ownership collapsed to local/remote and
// policy classes expanded. Output order is deterministic.
func Descriptors(config FleetConfig) ([]services.ServiceDescriptor, error) {
	descs := make([]services.ServiceDescriptor, 0, len(config.Services))
	for _, s := range config.Services {
		policyName := s.HealthPolicy
		if policyName == "" {
			policyName = DefaultPolicyName
		}
		policy, ok := config.HealthPolicies[policyName]
		if !ok {
			return nil, fmt.Errorf("service %q: unknown health policy class %q", s.Name, policyName)
		}

		host := services.HostRemote
		if s.Host == config.Fleet.HostName {
			host = services.HostLocal
		}

		descs = append(descs, services.ServiceDescriptor{
			Name:         s.Name,
			Host:         host,
			ListenPort:   s.ListenPort,
			HealthPort:   s.HealthPort,
			Dependencies: s.Dependencies,
			Required:     s.Required,
			HealthPolicy: policy,
			Command:      s.Command,
			Env:          s.Env,
		})
	}

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}
