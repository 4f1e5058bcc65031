package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetctl/internal/services"
)

// Helper function to write a fleet file into a temp dir.
func writeFleetFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validFleet = `
fleet:
  hostName: alpha
  peerHost: beta
  poolSize: 8
healthPolicies:
  model:
    startPeriod: 2m
    interval: 15s
    timeout: 10s
    maxRetries: 5
services:
  - name: registry
    host: alpha
    listenPort: 7000
    healthPort: 7001
    required: true
    command: ["/usr/bin/registry"]
  - name: inference
    host: beta
    healthPort: 7101
    required: true
    healthPolicy: model
    dependencies: [registry]
  - name: worker
    host: alpha
    healthPort: 7201
    dependencies: [registry, inference]
    command: ["/usr/bin/worker", "--pool=2"]
`

func TestLoadMergesOverDefaults(t *testing.T) {
	config, err := Load(writeFleetFile(t, validFleet))
	require.NoError(t, err)

	assert.Equal(t, "alpha", config.Fleet.HostName)
	assert.Equal(t, 8, config.Fleet.PoolSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, "nats://127.0.0.1:4222", config.Fleet.NATSURL)
	assert.Equal(t, 30*time.Second, config.Fleet.MaxBackoff)
	assert.Equal(t, 5, config.Fleet.Breaker.FailureThreshold)

	// Both the default policy class and the file's class are available.
	assert.Contains(t, config.HealthPolicies, DefaultPolicyName)
	assert.Equal(t, 2*time.Minute, config.HealthPolicies["model"].StartPeriod)
}

func TestDescriptorsResolveOwnershipAndPolicies(t *testing.T) {
	config, err := Load(writeFleetFile(t, validFleet))
	require.NoError(t, err)

	descs, err := Descriptors(config)
	require.NoError(t, err)
	require.Len(t, descs, 3)

	byName := make(map[string]services.ServiceDescriptor)
	for _, d := range descs {
		byName[d.Name] = d
	}

	assert.Equal(t, services.HostLocal, byName["registry"].Host)
	assert.Equal(t, services.HostRemote, byName["inference"].Host)
	assert.Equal(t, services.HostLocal, byName["worker"].Host)

	// inference uses the named class, worker falls back to default.
	assert.Equal(t, 5, byName["inference"].HealthPolicy.MaxRetries)
	assert.Equal(t, 30*time.Second, byName["worker"].HealthPolicy.Interval)

	// Deterministic name order.
	assert.Equal(t, "inference", descs[0].Name)
	assert.Equal(t, "registry", descs[1].Name)
	assert.Equal(t, "worker", descs[2].Name)
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
services:
  - name: registry
    host: alpha
    command: ["/bin/true"]
  - name: registry
    host: alpha
    command: ["/bin/true"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate service name")
}

func TestValidateRejectsUnknownPolicyClass(t *testing.T) {
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
services:
  - name: registry
    host: alpha
    healthPolicy: does-not-exist
    command: ["/bin/true"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown health policy class")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
services:
  - name: worker
    host: alpha
    dependencies: [ghost]
    command: ["/bin/true"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown dependency "ghost"`)
}

func TestValidateRejectsUnknownHost(t *testing.T) {
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
  peerHost: beta
services:
  - name: worker
    host: gamma
    command: ["/bin/true"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither")
}

func TestValidateRejectsPortCollisionOnSameHost(t *testing.T) {
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
services:
  - name: a
    host: alpha
    listenPort: 7000
    command: ["/bin/true"]
  - name: b
    host: alpha
    healthPort: 7000
    command: ["/bin/true"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestValidateAllowsSamePortAcrossHosts(t *testing.T) {
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
  peerHost: beta
services:
  - name: a
    host: alpha
    listenPort: 9000
    command: ["/bin/true"]
  - name: b
    host: beta
    listenPort: 9000
`))
	require.NoError(t, err, "ports are per host, not fleet-global")
}

func TestValidateRejectsSameHostCollisionSplitByPeer(t *testing.T) {
	// The peer's use of 9000 in between must not mask that a and c both
	// claim 9000 on alpha.
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
  peerHost: beta
services:
  - name: a
    host: alpha
    listenPort: 9000
    command: ["/bin/true"]
  - name: b
    host: beta
    listenPort: 9000
  - name: c
    host: alpha
    healthPort: 9000
    command: ["/bin/true"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
	assert.Contains(t, err.Error(), `"a"`)
}

func TestValidateRequiresCommandForLocalServices(t *testing.T) {
	_, err := Load(writeFleetFile(t, `
fleet:
  hostName: alpha
  peerHost: beta
services:
  - name: worker
    host: alpha
  - name: remote-ok
    host: beta
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need a command")
}
