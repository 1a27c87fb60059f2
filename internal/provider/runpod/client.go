package runpod

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/pkg/models"
)

const (
	defaultBaseURL = "https://api.runpod.io/graphql"
	defaultTimeout = 30 * time.Second
	defaultImage   = "gpuburst/runtime:latest"
	defaultVolume  = 40
)

// gpuIDs maps catalog GPU names to RunPod SKU identifiers
var gpuIDs = map[string]string{
	"RTX3090":   "NVIDIA GeForce RTX 3090",
	"RTX4070":   "NVIDIA GeForce RTX 4070 Ti",
	"RTX4090":   "NVIDIA GeForce RTX 4090",
	"A5000":     "NVIDIA RTX A5000",
	"A100":      "NVIDIA A100 80GB PCIe",
	"A100-80GB": "NVIDIA A100-SXM4-80GB",
	"H100":      "NVIDIA H100 PCIe",
	"H100-SXM":  "NVIDIA H100 80GB HBM3",
}

// Client implements the provider.Provider interface for RunPod.
// RunPod exposes a GraphQL API; every call is a POST with a query document.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the RunPod client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets the request rate limit
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewClient creates a new RunPod client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return "runpod"
}

// Capabilities describes what this provider can do
func (c *Client) Capabilities() provider.Capabilities {
	types := make([]string, 0, len(gpuIDs))
	for name := range gpuIDs {
		types = append(types, name)
	}
	sort.Strings(types)

	return provider.Capabilities{
		Provider:        "runpod",
		GPUTypes:        types,
		Regions:         []string{"us", "eu"},
		SupportsPause:   true,
		SupportsMetrics: true,
	}
}

// HealthCheck probes the GraphQL endpoint. It never returns an error; an
// unreachable or misconfigured provider reports as unhealthy.
func (c *Client) HealthCheck(ctx context.Context) provider.HealthStatus {
	if c.apiKey == "" {
		return provider.HealthStatus{Healthy: false, Error: "api key not configured"}
	}

	start := time.Now()
	types, err := c.gpuTypes(ctx)
	latency := time.Since(start)

	if err != nil {
		return provider.HealthStatus{Healthy: false, Latency: latency, Error: err.Error()}
	}

	return provider.HealthStatus{
		Healthy:       true,
		Latency:       latency,
		AvailableGPUs: collapseGPUTypes(types),
	}
}

// GetAvailability returns current GPU availability. Failures yield nil
// rather than an error; a successful fetch is never nil, even when empty.
func (c *Client) GetAvailability(ctx context.Context) []models.GpuAvailability {
	types, err := c.gpuTypes(ctx)
	if err != nil {
		return nil
	}
	return collapseGPUTypes(types)
}

// collapseGPUTypes maps RunPod SKUs onto catalog names with the best
// available count per type
func collapseGPUTypes(types []GPUType) []models.GpuAvailability {
	bySKU := make(map[string]GPUType, len(types))
	for _, t := range types {
		bySKU[t.ID] = t
	}

	availability := make([]models.GpuAvailability, 0, len(types))
	for _, name := range sortedGPUNames() {
		t, ok := bySKU[gpuIDs[name]]
		if !ok || t.LowestPrice == nil {
			continue
		}
		count := 0
		for _, n := range t.LowestPrice.AvailableGpuCounts {
			if n > count {
				count = n
			}
		}
		if count == 0 {
			continue
		}
		availability = append(availability, models.GpuAvailability{
			Type:         name,
			Available:    count,
			PricePerHour: t.LowestPrice.UninterruptablePric,
			Region:       "global",
		})
	}

	return availability
}

// Provision deploys an on-demand pod. The outcome is reported in the
// result; transport failures do not surface as errors.
func (c *Client) Provision(ctx context.Context, req provider.ProvisionRequest) provider.ProvisionResult {
	sku, ok := gpuIDs[req.GPUType]
	if !ok {
		return provider.Failure("runpod: unsupported GPU type %s", req.GPUType)
	}

	query := `
		mutation Deploy($input: PodFindAndDeployOnDemandInput) {
			podFindAndDeployOnDemand(input: $input) {
				id
				desiredStatus
				costPerHr
				machine { gpuDisplayName }
			}
		}`

	variables := map[string]interface{}{
		"input": map[string]interface{}{
			"name":              "gpuburst-" + req.SessionID,
			"gpuTypeId":         sku,
			"gpuCount":          req.GPUCount,
			"imageName":         defaultImage,
			"cloudType":         "SECURE",
			"volumeInGb":        defaultVolume,
			"containerDiskInGb": defaultVolume,
			"ports":             "8888/http",
		},
	}

	var data struct {
		Pod *Pod `json:"podFindAndDeployOnDemand"`
	}
	if err := c.query(ctx, query, variables, &data); err != nil {
		return provider.Failure("runpod: deploy pod: %v", err)
	}
	if data.Pod == nil || data.Pod.ID == "" {
		return provider.Failure("runpod: deploy returned no pod for %s", req.GPUType)
	}

	return provider.Success(&models.GpuInstance{
		ID:           "runpod-" + data.Pod.ID,
		Provider:     "runpod",
		ProviderID:   data.Pod.ID,
		GPUType:      req.GPUType,
		GPUCount:     req.GPUCount,
		Status:       mapStatus(data.Pod.DesiredStatus),
		PricePerHour: data.Pod.CostPerHr,
		AccessURL:    accessURL(data.Pod.ID),
		CreatedAt:    time.Now(),
	})
}

// GetStatus fetches a pod's current state. Returns nil when the pod is
// gone or the API is unreachable.
func (c *Client) GetStatus(ctx context.Context, providerInstanceID string) *models.GpuInstance {
	query := `
		query Pod($input: PodFilter) {
			pod(input: $input) {
				id
				desiredStatus
				gpuCount
				costPerHr
				machine { gpuDisplayName }
				runtime { uptimeInSeconds }
			}
		}`

	var data struct {
		Pod *Pod `json:"pod"`
	}
	err := c.query(ctx, query, map[string]interface{}{
		"input": map[string]interface{}{"podId": providerInstanceID},
	}, &data)
	if err != nil || data.Pod == nil {
		return nil
	}

	status := mapStatus(data.Pod.DesiredStatus)
	// desiredStatus says RUNNING before the container is actually up
	if status == models.InstanceRunning && data.Pod.Runtime == nil {
		status = models.InstanceProvisioning
	}

	gpuType := ""
	if data.Pod.Machine != nil {
		gpuType = catalogGPUName(data.Pod.Machine.GpuDisplayName)
	}

	return &models.GpuInstance{
		ID:           "runpod-" + data.Pod.ID,
		Provider:     "runpod",
		ProviderID:   data.Pod.ID,
		GPUType:      gpuType,
		GPUCount:     data.Pod.GpuCount,
		Status:       status,
		PricePerHour: data.Pod.CostPerHr,
		AccessURL:    accessURL(data.Pod.ID),
	}
}

// StartInstance resumes a stopped pod
func (c *Client) StartInstance(ctx context.Context, providerInstanceID string) bool {
	query := `
		mutation Resume($input: PodResumeInput) {
			podResume(input: $input) { id desiredStatus }
		}`

	var data struct {
		Pod *Pod `json:"podResume"`
	}
	err := c.query(ctx, query, map[string]interface{}{
		"input": map[string]interface{}{"podId": providerInstanceID},
	}, &data)
	return err == nil && data.Pod != nil
}

// StopInstance suspends a running pod without releasing its volume
func (c *Client) StopInstance(ctx context.Context, providerInstanceID string) bool {
	query := `
		mutation Stop($input: PodStopInput) {
			podStop(input: $input) { id desiredStatus }
		}`

	var data struct {
		Pod *Pod `json:"podStop"`
	}
	err := c.query(ctx, query, map[string]interface{}{
		"input": map[string]interface{}{"podId": providerInstanceID},
	}, &data)
	return err == nil && data.Pod != nil
}

// TerminateInstance destroys a pod. The mutation returns null on success,
// so only transport and GraphQL errors count as failure.
func (c *Client) TerminateInstance(ctx context.Context, providerInstanceID string) bool {
	query := `
		mutation Terminate($input: PodTerminateInput) {
			podTerminate(input: $input)
		}`

	err := c.query(ctx, query, map[string]interface{}{
		"input": map[string]interface{}{"podId": providerInstanceID},
	}, nil)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return true
	}
	return err == nil
}

// GetMetrics returns GPU utilization for a running pod, or nil when the
// pod is gone or not yet reporting.
func (c *Client) GetMetrics(ctx context.Context, providerInstanceID string) *models.GpuMetrics {
	query := `
		query Pod($input: PodFilter) {
			pod(input: $input) {
				id
				machine { gpuDisplayName }
				runtime {
					gpus { id gpuUtilPercent memoryUtilPercent }
				}
			}
		}`

	var data struct {
		Pod *Pod `json:"pod"`
	}
	err := c.query(ctx, query, map[string]interface{}{
		"input": map[string]interface{}{"podId": providerInstanceID},
	}, &data)
	if err != nil || data.Pod == nil || data.Pod.Runtime == nil || len(data.Pod.Runtime.Gpus) == 0 {
		return nil
	}

	// Average across GPUs. RunPod reports utilization percentages only,
	// not absolute memory, so the MB fields stay zero.
	var util int
	for _, g := range data.Pod.Runtime.Gpus {
		util += g.GpuUtilPercent
	}
	n := len(data.Pod.Runtime.Gpus)

	return &models.GpuMetrics{
		UtilizationPct: float64(util) / float64(n),
	}
}

// query executes a GraphQL request and decodes the data envelope into out
func (c *Client) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runpod API returned %d", resp.StatusCode)
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(envelope.Errors) > 0 {
		return fmt.Errorf("runpod API error: %s", envelope.Errors[0].Message)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}

	return nil
}

// gpuTypes fetches the GPU SKU catalog with pricing and stock
func (c *Client) gpuTypes(ctx context.Context) ([]GPUType, error) {
	query := `
		query GpuTypes {
			gpuTypes {
				id
				displayName
				memoryInGb
				lowestPrice(input: {gpuCount: 1}) {
					minimumBidPrice
					uninterruptablePrice
					stockStatus
					availableGpuCounts
				}
			}
		}`

	var data struct {
		GpuTypes []GPUType `json:"gpuTypes"`
	}
	if err := c.query(ctx, query, nil, &data); err != nil {
		return nil, err
	}

	return data.GpuTypes, nil
}

// accessURL builds the HTTPS proxy URL RunPod exposes for pod port 8888
func accessURL(podID string) string {
	return fmt.Sprintf("https://%s-8888.proxy.runpod.net", podID)
}

// mapStatus converts RunPod desired statuses to the canonical set. Unknown
// statuses map to pending rather than failing.
func mapStatus(desired string) models.InstanceStatus {
	switch desired {
	case "RUNNING":
		return models.InstanceRunning
	case "EXITED", "STOPPED", "PAUSED":
		return models.InstanceStopped
	case "CREATED":
		return models.InstanceProvisioning
	default:
		return models.InstancePending
	}
}

func sortedGPUNames() []string {
	names := make([]string, 0, len(gpuIDs))
	for name := range gpuIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// catalogGPUName maps a RunPod display name back to the catalog name
func catalogGPUName(displayName string) string {
	for name, sku := range gpuIDs {
		if sku == displayName {
			return name
		}
	}
	return displayName
}
