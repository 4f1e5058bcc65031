package config

import (
	"time"

	"fleetctl/internal/services"
)

// DefaultPolicyName is the health policy class applied to services that
// name none.
const DefaultPolicyName = "default"

// GetDefaultConfig returns the baseline configuration before any file is
// layered on top.
func GetDefaultConfig() FleetConfig {
	return FleetConfig{
		Fleet: FleetSettings{
			NATSURL:      "nats://127.0.0.1:4222",
			PoolSize:     4,
			BaseBackoff:  time.Second,
			MaxBackoff:   30 * time.Second,
			FleetTimeout: 2 * time.Minute,
			SyncInterval: 5 * time.Second,
			StopGrace:    10 * time.Second,
			Breaker: BreakerSettings{
				FailureThreshold:   5,
				RecoveryTimeout:    30 * time.Second,
				MaxRecoveryTimeout: 10 * time.Minute,
			},
		},
		HealthPolicies: map[string]services.HealthPolicy{
			DefaultPolicyName: {
				StartPeriod: 10 * time.Second,
				Interval:    30 * time.Second,
				Timeout:     5 * time.Second,
				MaxRetries:  3,
			},
		},
	}
}
