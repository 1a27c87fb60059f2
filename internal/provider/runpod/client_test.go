package runpod

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(serverURL string) *Client {
	return NewClient("test-key",
		WithBaseURL(serverURL),
		WithRateLimit(rate.Every(time.Microsecond), 100),
	)
}

// gqlServer routes mock responses by a substring of the query document
func gqlServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer")

		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		for marker, response := range routes {
			if strings.Contains(req.Query, marker) {
				fmt.Fprint(w, response)
				return
			}
		}
		t.Errorf("unexpected query: %s", req.Query)
		w.WriteHeader(http.StatusBadRequest)
	}))
}

func TestClient_Name(t *testing.T) {
	c := NewClient("test-key")
	assert.Equal(t, "runpod", c.Name())
}

func TestClient_Capabilities(t *testing.T) {
	c := NewClient("test-key")
	caps := c.Capabilities()
	assert.Equal(t, "runpod", caps.Provider)
	assert.True(t, caps.SupportsPause)
	assert.True(t, caps.SupportsMetrics)
	assert.True(t, caps.SupportsGPU("H100"))
	assert.False(t, caps.SupportsGPU("MI300X"))
}

func TestClient_HealthCheck(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"gpuTypes": `{"data": {"gpuTypes": [
			{"id": "NVIDIA GeForce RTX 4090", "displayName": "RTX 4090", "memoryInGb": 24,
			 "lowestPrice": {"uninterruptablePrice": 0.69, "stockStatus": "High", "availableGpuCounts": [1, 2, 4]}},
			{"id": "NVIDIA H100 PCIe", "displayName": "H100", "memoryInGb": 80,
			 "lowestPrice": {"uninterruptablePrice": 2.49, "stockStatus": "Low", "availableGpuCounts": [1]}}
		]}}`,
	})
	defer server.Close()

	status := testClient(server.URL).HealthCheck(context.Background())

	assert.True(t, status.Healthy)
	assert.Equal(t, 5, status.TotalAvailable())
	require.Len(t, status.AvailableGPUs, 2)
	assert.Equal(t, "H100", status.AvailableGPUs[0].Type)
	assert.Equal(t, "RTX4090", status.AvailableGPUs[1].Type)
	assert.Equal(t, 4, status.AvailableGPUs[1].Available)
	assert.Empty(t, status.Error)
}

func TestClient_HealthCheck_NoAPIKey(t *testing.T) {
	status := NewClient("").HealthCheck(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Error, "api key")
}

func TestClient_HealthCheck_GraphQLError(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"gpuTypes": `{"errors": [{"message": "unauthorized"}]}`,
	})
	defer server.Close()

	status := testClient(server.URL).HealthCheck(context.Background())

	assert.False(t, status.Healthy)
	assert.Contains(t, status.Error, "unauthorized")
}

func TestClient_HealthCheck_Unreachable(t *testing.T) {
	status := testClient("http://127.0.0.1:1").HealthCheck(context.Background())
	assert.False(t, status.Healthy)
}

func TestClient_GetAvailability(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"gpuTypes": `{"data": {"gpuTypes": [
			{"id": "NVIDIA GeForce RTX 4090", "displayName": "RTX 4090", "memoryInGb": 24,
			 "lowestPrice": {"uninterruptablePrice": 0.69, "stockStatus": "High", "availableGpuCounts": [1, 4]}},
			{"id": "NVIDIA H100 PCIe", "displayName": "H100", "memoryInGb": 80,
			 "lowestPrice": {"uninterruptablePrice": 2.49, "stockStatus": "Unavailable", "availableGpuCounts": []}}
		]}}`,
	})
	defer server.Close()

	availability := testClient(server.URL).GetAvailability(context.Background())

	require.Len(t, availability, 1)
	assert.Equal(t, "RTX4090", availability[0].Type)
	assert.Equal(t, 4, availability[0].Available)
	assert.Equal(t, 0.69, availability[0].PricePerHour)
}

func TestClient_GetAvailability_Unreachable(t *testing.T) {
	availability := testClient("http://127.0.0.1:1").GetAvailability(context.Background())
	assert.Empty(t, availability)
}

func TestClient_Provision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Contains(t, req.Query, "podFindAndDeployOnDemand")

		input := req.Variables["input"].(map[string]interface{})
		assert.Equal(t, "gpuburst-sess-001", input["name"])
		assert.Equal(t, "NVIDIA GeForce RTX 4090", input["gpuTypeId"])

		fmt.Fprint(w, `{"data": {"podFindAndDeployOnDemand": {
			"id": "pod-abc", "desiredStatus": "CREATED", "costPerHr": 0.69
		}}}`)
	}))
	defer server.Close()

	result := testClient(server.URL).Provision(context.Background(), provider.ProvisionRequest{
		SessionID: "sess-001",
		UserID:    "user-001",
		GPUType:   "RTX4090",
		GPUCount:  1,
	})

	require.True(t, result.Success, "provision should succeed: %s", result.Error)
	require.NotNil(t, result.Instance)
	assert.Equal(t, "pod-abc", result.Instance.ProviderID)
	assert.Equal(t, "runpod", result.Instance.Provider)
	assert.Equal(t, models.InstanceProvisioning, result.Instance.Status)
	assert.Equal(t, "https://pod-abc-8888.proxy.runpod.net", result.Instance.AccessURL)
}

func TestClient_Provision_UnsupportedGPU(t *testing.T) {
	result := NewClient("test-key").Provision(context.Background(), provider.ProvisionRequest{
		SessionID: "sess-001",
		GPUType:   "MI300X",
		GPUCount:  1,
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unsupported GPU type")
}

func TestClient_Provision_NoCapacity(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"podFindAndDeployOnDemand": `{"data": {"podFindAndDeployOnDemand": null}}`,
	})
	defer server.Close()

	result := testClient(server.URL).Provision(context.Background(), provider.ProvisionRequest{
		SessionID: "sess-001",
		GPUType:   "H100",
		GPUCount:  1,
	})

	assert.False(t, result.Success)
	assert.Nil(t, result.Instance)
}

func TestClient_Provision_GraphQLError(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"podFindAndDeployOnDemand": `{"errors": [{"message": "There are no longer any instances available"}]}`,
	})
	defer server.Close()

	result := testClient(server.URL).Provision(context.Background(), provider.ProvisionRequest{
		SessionID: "sess-001",
		GPUType:   "H100",
		GPUCount:  1,
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no longer any instances")
}

func TestClient_GetStatus_Running(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"query Pod": `{"data": {"pod": {
			"id": "pod-abc", "desiredStatus": "RUNNING", "gpuCount": 1, "costPerHr": 0.69,
			"machine": {"gpuDisplayName": "NVIDIA GeForce RTX 4090"},
			"runtime": {"uptimeInSeconds": 120}
		}}}`,
	})
	defer server.Close()

	instance := testClient(server.URL).GetStatus(context.Background(), "pod-abc")

	require.NotNil(t, instance)
	assert.Equal(t, models.InstanceRunning, instance.Status)
	assert.Equal(t, "RTX4090", instance.GPUType)
	assert.Equal(t, "https://pod-abc-8888.proxy.runpod.net", instance.AccessURL)
}

func TestClient_GetStatus_RunningWithoutRuntime(t *testing.T) {
	// desiredStatus flips to RUNNING before the container is up
	server := gqlServer(t, map[string]string{
		"query Pod": `{"data": {"pod": {
			"id": "pod-abc", "desiredStatus": "RUNNING", "gpuCount": 1, "runtime": null
		}}}`,
	})
	defer server.Close()

	instance := testClient(server.URL).GetStatus(context.Background(), "pod-abc")

	require.NotNil(t, instance)
	assert.Equal(t, models.InstanceProvisioning, instance.Status)
}

func TestClient_GetStatus_Gone(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"query Pod": `{"data": {"pod": null}}`,
	})
	defer server.Close()

	assert.Nil(t, testClient(server.URL).GetStatus(context.Background(), "pod-gone"))
}

func TestClient_StartStopInstance(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"podResume": `{"data": {"podResume": {"id": "pod-abc", "desiredStatus": "RUNNING"}}}`,
		"podStop":   `{"data": {"podStop": {"id": "pod-abc", "desiredStatus": "EXITED"}}}`,
	})
	defer server.Close()

	c := testClient(server.URL)
	assert.True(t, c.StartInstance(context.Background(), "pod-abc"))
	assert.True(t, c.StopInstance(context.Background(), "pod-abc"))
}

func TestClient_StopInstance_Unreachable(t *testing.T) {
	assert.False(t, testClient("http://127.0.0.1:1").StopInstance(context.Background(), "pod-abc"))
}

func TestClient_TerminateInstance(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"podTerminate": `{"data": {"podTerminate": null}}`,
	})
	defer server.Close()

	assert.True(t, testClient(server.URL).TerminateInstance(context.Background(), "pod-abc"))
}

func TestClient_TerminateInstance_AlreadyGone(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"podTerminate": `{"errors": [{"message": "pod not found"}]}`,
	})
	defer server.Close()

	// Idempotent: a missing pod is treated as terminated
	assert.True(t, testClient(server.URL).TerminateInstance(context.Background(), "pod-abc"))
}

func TestClient_GetMetrics(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"query Pod": `{"data": {"pod": {
			"id": "pod-abc",
			"runtime": {"gpus": [
				{"id": "0", "gpuUtilPercent": 90, "memoryUtilPercent": 60},
				{"id": "1", "gpuUtilPercent": 70, "memoryUtilPercent": 40}
			]}
		}}}`,
	})
	defer server.Close()

	metrics := testClient(server.URL).GetMetrics(context.Background(), "pod-abc")

	require.NotNil(t, metrics)
	assert.Equal(t, float64(80), metrics.UtilizationPct)
}

func TestClient_GetMetrics_NoRuntime(t *testing.T) {
	server := gqlServer(t, map[string]string{
		"query Pod": `{"data": {"pod": {"id": "pod-abc", "runtime": null}}}`,
	})
	defer server.Close()

	assert.Nil(t, testClient(server.URL).GetMetrics(context.Background(), "pod-abc"))
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		native   string
		expected models.InstanceStatus
	}{
		{"RUNNING", models.InstanceRunning},
		{"EXITED", models.InstanceStopped},
		{"STOPPED", models.InstanceStopped},
		{"CREATED", models.InstanceProvisioning},
		{"TERMINATING", models.InstancePending},
		{"", models.InstancePending},
	}

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapStatus(tt.native))
		})
	}
}
