package vastai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/pkg/models"
)

const (
	defaultBaseURL = "https://console.vast.ai/api/v0"
	defaultTimeout = 30 * time.Second
	defaultImage   = "gpuburst/runtime:latest"
	defaultDiskGB  = 50
)

// Client implements the provider.Provider interface for Vast.ai
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the Vast.ai client
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

// NewClient creates a new Vast.ai client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2), // Vast.ai tolerates ~1 req/s
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return "vastai"
}

// Capabilities describes what this provider can do
func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Provider:        "vastai",
		GPUTypes:        []string{"RTX3090", "RTX4070", "RTX4090", "A5000", "A100", "A100-80GB", "H100"},
		Regions:         []string{"us", "eu", "asia"},
		SupportsPause:   true,
		SupportsMetrics: true,
	}
}

// HealthCheck probes the marketplace API. It never returns an error; an
// unreachable or misconfigured provider reports as unhealthy.
func (c *Client) HealthCheck(ctx context.Context) provider.HealthStatus {
	if c.apiKey == "" {
		return provider.HealthStatus{Healthy: false, Error: "api key not configured"}
	}

	start := time.Now()
	bundles, err := c.listBundles(ctx, "")
	latency := time.Since(start)

	if err != nil {
		return provider.HealthStatus{Healthy: false, Latency: latency, Error: err.Error()}
	}

	return provider.HealthStatus{
		Healthy:       true,
		Latency:       latency,
		AvailableGPUs: collapseBundles(bundles),
	}
}

// GetAvailability returns current GPU availability. Failures yield nil
// rather than an error; a successful fetch is never nil, even when empty.
func (c *Client) GetAvailability(ctx context.Context) []models.GpuAvailability {
	bundles, err := c.listBundles(ctx, "")
	if err != nil {
		return nil
	}
	return collapseBundles(bundles)
}

// collapseBundles reduces rentable offers to the cheapest offer per GPU type
func collapseBundles(bundles []Bundle) []models.GpuAvailability {
	type entry struct {
		count int
		price float64
		loc   string
	}
	byType := make(map[string]*entry)
	for _, b := range bundles {
		if !b.Rentable || b.Rented {
			continue
		}
		name := normalizeGPUName(b.GPUName)
		e, ok := byType[name]
		if !ok {
			byType[name] = &entry{count: b.NumGPUs, price: b.DphTotal, loc: b.Geolocation}
			continue
		}
		e.count += b.NumGPUs
		if b.DphTotal < e.price {
			e.price = b.DphTotal
			e.loc = b.Geolocation
		}
	}

	availability := make([]models.GpuAvailability, 0, len(byType))
	for name, e := range byType {
		availability = append(availability, models.GpuAvailability{
			Type:         name,
			Available:    e.count,
			PricePerHour: e.price,
			Region:       e.loc,
		})
	}
	sort.Slice(availability, func(i, j int) bool {
		return availability[i].Type < availability[j].Type
	})

	return availability
}

// Provision rents the cheapest matching ask contract. The outcome is
// reported in the result; transport failures do not surface as errors.
func (c *Client) Provision(ctx context.Context, req provider.ProvisionRequest) provider.ProvisionResult {
	bundles, err := c.listBundles(ctx, req.GPUType)
	if err != nil {
		return provider.Failure("vastai: list offers: %v", err)
	}

	var candidates []Bundle
	for _, b := range bundles {
		if !b.Rentable || b.Rented {
			continue
		}
		if normalizeGPUName(b.GPUName) != req.GPUType {
			continue
		}
		if b.NumGPUs < req.GPUCount {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return provider.Failure("vastai: no rentable %s offers", req.GPUType)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DphTotal < candidates[j].DphTotal
	})
	chosen := candidates[0]

	createReq := CreateInstanceRequest{
		ClientID:  "me",
		Image:     defaultImage,
		DiskSpace: defaultDiskGB,
		Label:     "gpuburst-" + req.SessionID,
		RunType:   "ssh",
	}

	var result CreateInstanceResponse
	path := fmt.Sprintf("/asks/%d/", chosen.ID)
	if err := c.doJSON(ctx, "PUT", path, createReq, &result); err != nil {
		return provider.Failure("vastai: create instance: %v", err)
	}
	if !result.Success {
		return provider.Failure("vastai: create instance rejected: %s", result.Error)
	}

	return provider.Success(&models.GpuInstance{
		ID:           "vastai-" + strconv.Itoa(result.NewContract),
		Provider:     "vastai",
		ProviderID:   strconv.Itoa(result.NewContract),
		GPUType:      req.GPUType,
		GPUCount:     req.GPUCount,
		VRAMGb:       int(chosen.GPURam / 1024),
		Status:       models.InstanceProvisioning,
		PricePerHour: chosen.DphTotal,
		CreatedAt:    time.Now(),
	})
}

// GetStatus fetches an instance's current state. Returns nil when the
// instance is gone or the API is unreachable.
func (c *Client) GetStatus(ctx context.Context, providerInstanceID string) *models.GpuInstance {
	var result InstanceResponse
	path := fmt.Sprintf("/instances/%s/", url.PathEscape(providerInstanceID))
	if err := c.doJSON(ctx, "GET", path, nil, &result); err != nil {
		return nil
	}

	inst := result.Instances
	if inst.ID == 0 {
		return nil
	}

	accessURL := ""
	if inst.PublicIP != "" {
		accessURL = fmt.Sprintf("https://%s:8443", inst.PublicIP)
	}

	return &models.GpuInstance{
		ID:           "vastai-" + strconv.Itoa(inst.ID),
		Provider:     "vastai",
		ProviderID:   strconv.Itoa(inst.ID),
		GPUType:      normalizeGPUName(inst.GPUName),
		GPUCount:     inst.NumGPUs,
		VRAMGb:       int(inst.GPURam / 1024),
		Status:       mapStatus(inst.ActualStatus),
		PricePerHour: inst.DphTotal,
		AccessURL:    accessURL,
		CreatedAt:    time.Unix(int64(inst.StartDate), 0),
	}
}

// StartInstance resumes a stopped instance
func (c *Client) StartInstance(ctx context.Context, providerInstanceID string) bool {
	return c.changeState(ctx, providerInstanceID, "running")
}

// StopInstance suspends a running instance without releasing it
func (c *Client) StopInstance(ctx context.Context, providerInstanceID string) bool {
	return c.changeState(ctx, providerInstanceID, "stopped")
}

// TerminateInstance destroys an instance. A missing instance counts as
// success so teardown stays idempotent.
func (c *Client) TerminateInstance(ctx context.Context, providerInstanceID string) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		return false
	}

	path := fmt.Sprintf("%s/instances/%s/", c.baseURL, url.PathEscape(providerInstanceID))
	req, err := http.NewRequestWithContext(ctx, "DELETE", path, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return true
	}
	return false
}

// GetMetrics returns GPU utilization for a running instance, or nil when
// the instance is gone or not yet reporting.
func (c *Client) GetMetrics(ctx context.Context, providerInstanceID string) *models.GpuMetrics {
	var result InstanceResponse
	path := fmt.Sprintf("/instances/%s/", url.PathEscape(providerInstanceID))
	if err := c.doJSON(ctx, "GET", path, nil, &result); err != nil {
		return nil
	}

	inst := result.Instances
	if inst.ID == 0 || inst.ActualStatus != "running" {
		return nil
	}

	totalMb := inst.GPURam
	return &models.GpuMetrics{
		UtilizationPct: inst.GPUUtil,
		MemoryUsedMb:   int(inst.MemUsage * totalMb),
		MemoryTotalMb:  int(totalMb),
		TemperatureC:   inst.GPUTemp,
	}
}

func (c *Client) changeState(ctx context.Context, instanceID, state string) bool {
	var result ChangeStateResponse
	path := fmt.Sprintf("/instances/%s/", url.PathEscape(instanceID))
	if err := c.doJSON(ctx, "PUT", path, ChangeStateRequest{State: state}, &result); err != nil {
		return false
	}
	return result.Success
}

// listBundles queries rentable offers, optionally filtered by GPU type
func (c *Client) listBundles(ctx context.Context, gpuType string) ([]Bundle, error) {
	query := map[string]interface{}{
		"rentable": map[string]bool{"eq": true},
	}
	if gpuType != "" {
		query["gpu_name"] = map[string]string{"eq": denormalizeGPUName(gpuType)}
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	var result BundlesResponse
	path := fmt.Sprintf("/bundles/?q=%s", url.QueryEscape(string(queryJSON)))
	if err := c.doJSON(ctx, "GET", path, nil, &result); err != nil {
		return nil, err
	}

	return result.Offers, nil
}

// doJSON performs a rate-limited JSON request against the Vast.ai API
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("vastai API returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// mapStatus converts Vast.ai native statuses to the canonical set. Unknown
// statuses map to pending rather than failing.
func mapStatus(actual string) models.InstanceStatus {
	switch actual {
	case "running":
		return models.InstanceRunning
	case "stopped", "exited":
		return models.InstanceStopped
	case "loading", "created", "starting":
		return models.InstanceProvisioning
	default:
		return models.InstancePending
	}
}

// denormalizeGPUName converts catalog names back to Vast.ai's spaced form
func denormalizeGPUName(name string) string {
	if strings.HasPrefix(name, "RTX") && !strings.Contains(name, " ") {
		return "RTX " + strings.TrimPrefix(name, "RTX")
	}
	return name
}
