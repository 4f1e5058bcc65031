package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetctl/internal/services"
	"fleetctl/internal/transport"
)

func testDesc(name string, timeout time.Duration) services.ServiceDescriptor {
	return services.ServiceDescriptor{
		Name:       name,
		Host:       services.HostLocal,
		HealthPort: 9100,
		HealthPolicy: services.HealthPolicy{
			Timeout:    timeout,
			MaxRetries: 3,
		},
	}
}

// respondWith registers a health responder answering with the given status.
func respondWith(t *testing.T, tr transport.Transport, service, status, reason string) {
	t.Helper()
	_, err := tr.Subscribe(transport.HealthSubject(service), func(_ string, data []byte) []byte {
		var req map[string]string
		require.NoError(t, json.Unmarshal(data, &req))
		require.Equal(t, "health_check", req["action"])

		reply, _ := json.Marshal(map[string]string{
			"status":  status,
			"service": service,
			"reason":  reason,
		})
		return reply
	})
	require.NoError(t, err)
}

func TestCheck_Healthy(t *testing.T) {
	tr := transport.NewInproc()
	respondWith(t, tr, "registry", "healthy", "")

	gk := NewGateKeeper(tr)
	result := gk.Check(context.Background(), testDesc("registry", time.Second))

	assert.Equal(t, StatusHealthy, result.Status)
	assert.True(t, result.Passed())
	assert.NoError(t, result.Err("registry"))
}

func TestCheck_UnhealthyCarriesReason(t *testing.T) {
	tr := transport.NewInproc()
	respondWith(t, tr, "vision", "unhealthy", "model not loaded")

	gk := NewGateKeeper(tr)
	result := gk.Check(context.Background(), testDesc("vision", time.Second))

	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Detail, "model not loaded")

	err := result.Err("vision")
	require.Error(t, err)
	var failure *CheckFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "vision", failure.Service)
	assert.Equal(t, StatusUnhealthy, failure.Status)
}

func TestCheck_DegradedIsNotHealthy(t *testing.T) {
	tr := transport.NewInproc()
	respondWith(t, tr, "memory", "degraded", "")

	gk := NewGateKeeper(tr)
	result := gk.Check(context.Background(), testDesc("memory", time.Second))

	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Detail, "degraded")
}

func TestCheck_NoResponderIsUnreachable(t *testing.T) {
	tr := transport.NewInproc()

	gk := NewGateKeeper(tr)
	result := gk.Check(context.Background(), testDesc("ghost", time.Second))

	assert.Equal(t, StatusUnreachable, result.Status)
	assert.False(t, result.Passed())
}

func TestCheck_SlowResponderIsTimeout(t *testing.T) {
	tr := transport.NewInproc()
	_, err := tr.Subscribe(transport.HealthSubject("slow"), func(string, []byte) []byte {
		time.Sleep(500 * time.Millisecond)
		reply, _ := json.Marshal(map[string]string{"status": "healthy"})
		return reply
	})
	require.NoError(t, err)

	gk := NewGateKeeper(tr)
	result := gk.Check(context.Background(), testDesc("slow", 50*time.Millisecond))

	assert.Equal(t, StatusTimeout, result.Status)
}

func TestCheck_MalformedResponseIsUnhealthy(t *testing.T) {
	tr := transport.NewInproc()
	_, err := tr.Subscribe(transport.HealthSubject("garbled"), func(string, []byte) []byte {
		return []byte("not json")
	})
	require.NoError(t, err)

	gk := NewGateKeeper(tr)
	result := gk.Check(context.Background(), testDesc("garbled", time.Second))

	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Detail, "malformed")
}
