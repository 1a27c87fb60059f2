package vastai

import (
	"strings"
)

// BundlesResponse is the response from GET /bundles/
type BundlesResponse struct {
	Offers []Bundle `json:"offers"`
}

// Bundle represents a Vast.ai GPU offer
type Bundle struct {
	ID        int `json:"id"`
	MachineID int `json:"machine_id"`
	HostID    int `json:"host_id"`

	// GPU info
	GPUName string  `json:"gpu_name"`
	GPURam  float64 `json:"gpu_ram"` // MB
	NumGPUs int     `json:"num_gpus"`

	// Pricing
	DphBase  float64 `json:"dph_base"`
	DphTotal float64 `json:"dph_total"` // Total price per hour

	// Location
	Geolocation string `json:"geolocation"`

	// Status
	Rentable    bool    `json:"rentable"`
	Rented      bool    `json:"rented"`
	Reliability float64 `json:"reliability2"` // Note: reliability2 is the correct field

	Verified bool `json:"verified"`
}

// InstancesResponse is the response from GET /instances/
type InstancesResponse struct {
	Instances []Instance `json:"instances"`
}

// InstanceResponse wraps a single instance from GET /instances/{id}/
type InstanceResponse struct {
	Instances Instance `json:"instances"`
}

// Instance represents a Vast.ai instance
type Instance struct {
	ID             int    `json:"id"`
	MachineID      int    `json:"machine_id"`
	Label          string `json:"label"`
	ActualStatus   string `json:"actual_status"`
	IntendedStatus string `json:"intended_status"`
	CurState       string `json:"cur_state"`

	// Connection info
	PublicIP string         `json:"public_ipaddr"`
	Ports    map[string]any `json:"ports"`

	// GPU info
	GPUName string  `json:"gpu_name"`
	NumGPUs int     `json:"num_gpus"`
	GPURam  float64 `json:"gpu_ram"`

	// Utilization
	GPUUtil  float64 `json:"gpu_util"`
	GPUTemp  float64 `json:"gpu_temp"`
	MemUsage float64 `json:"mem_usage"`

	// Pricing
	DphTotal float64 `json:"dph_total"`

	// Timing
	StartDate float64 `json:"start_date"`
}

// CreateInstanceRequest is the request body for renting an ask contract
type CreateInstanceRequest struct {
	ClientID  string `json:"client_id"`
	Image     string `json:"image"`
	DiskSpace int    `json:"disk"`
	Label     string `json:"label"`
	RunType   string `json:"runtype,omitempty"`
}

// CreateInstanceResponse is the response from renting an ask contract
type CreateInstanceResponse struct {
	Success     bool   `json:"success"`
	NewContract int    `json:"new_contract"`
	Error       string `json:"error,omitempty"`
}

// ChangeStateRequest sets the intended state of an instance
type ChangeStateRequest struct {
	State string `json:"state"`
}

// ChangeStateResponse is the response from a state change
type ChangeStateResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// normalizeGPUName converts Vast.ai GPU names to the catalog's compact
// form, e.g. "GeForce RTX 4090" becomes "RTX4090".
func normalizeGPUName(name string) string {
	name = strings.TrimSpace(name)

	// Order matters: strip vendor prefixes before collapsing spaces
	replacements := []struct{ old, new string }{
		{"GeForce ", ""},
		{"NVIDIA ", ""},
		{"Tesla ", ""},
		{"RTX ", "RTX"},
	}

	for _, r := range replacements {
		name = strings.ReplaceAll(name, r.old, r.new)
	}

	return name
}
