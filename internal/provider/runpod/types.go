package runpod

import "encoding/json"

// graphQLRequest is the envelope for all RunPod API calls
type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// graphQLResponse is the generic GraphQL response envelope
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// GPUType is a GPU SKU as reported by the gpuTypes query
type GPUType struct {
	ID           string  `json:"id"`
	DisplayName  string  `json:"displayName"`
	MemoryInGb   int     `json:"memoryInGb"`
	SecureCloud  bool    `json:"secureCloud"`
	LowestPrice  *Price  `json:"lowestPrice"`
	ClusterPrice float64 `json:"clusterPrice"`
}

// Price holds on-demand pricing and stock for a GPU SKU
type Price struct {
	MinimumBidPrice     float64 `json:"minimumBidPrice"`
	UninterruptablePric float64 `json:"uninterruptablePrice"`
	StockStatus         string  `json:"stockStatus"`
	AvailableGpuCounts  []int   `json:"availableGpuCounts"`
}

// Pod is a RunPod pod as returned by pod queries and deploy mutations
type Pod struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	DesiredStatus string   `json:"desiredStatus"`
	ImageName     string   `json:"imageName"`
	GpuCount      int      `json:"gpuCount"`
	CostPerHr     float64  `json:"costPerHr"`
	Machine       *Machine `json:"machine"`
	Runtime       *Runtime `json:"runtime"`
}

// Machine describes the host a pod landed on
type Machine struct {
	GpuDisplayName string `json:"gpuDisplayName"`
}

// Runtime is populated once a pod is actually running
type Runtime struct {
	UptimeInSeconds int           `json:"uptimeInSeconds"`
	Ports           []PortMapping `json:"ports"`
	Gpus            []PodGpu      `json:"gpus"`
	Container       *Container    `json:"container"`
}

// PortMapping is an exposed pod port
type PortMapping struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"isIpPublic"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
	Type        string `json:"type"`
}

// PodGpu is per-GPU telemetry from the pod runtime
type PodGpu struct {
	ID                string `json:"id"`
	GpuUtilPercent    int    `json:"gpuUtilPercent"`
	MemoryUtilPercent int    `json:"memoryUtilPercent"`
}

// Container is container-level telemetry from the pod runtime
type Container struct {
	CpuPercent    int `json:"cpuPercent"`
	MemoryPercent int `json:"memoryPercent"`
}
