//go:build !js

// Package detector summarizes the WebGPU device the wgpu engine runs on and
// derives launch recommendations from its limits.
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/gpu"
)

// BudgetEnvVar overrides the scratch budget in MiB.
const BudgetEnvVar = "BNORM_BUDGET_MB"

const defaultBudget = 128 << 20

// Adapter identifies the selected device.
type Adapter struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Type    string `json:"type"`
	Backend string `json:"backend"`
	Driver  string `json:"driver,omitempty"`
	IDs     string `json:"ids"`
}

// Limits are the device limits a batch normalization launch depends on.
type Limits struct {
	WorkgroupSizeX      uint32 `json:"workgroup_size_x"`
	InvocationsPerGroup uint32 `json:"invocations_per_workgroup"`
	WorkgroupsPerDim    uint32 `json:"workgroups_per_dimension"`
	WorkgroupStorage    uint32 `json:"workgroup_storage_bytes"`
	StorageBindingBytes uint64 `json:"storage_binding_bytes"`
	BufferBytes         uint64 `json:"buffer_bytes"`
}

type Recommendations struct {
	// WorkgroupX is the widest 1D workgroup the device runs.
	WorkgroupX uint32 `json:"workgroup_x"`
	// MaxElements is the largest tensor one storage binding can hold as f32.
	MaxElements int64 `json:"max_elements"`
	// MaxGroups caps the reduction split so partials fit the budget.
	MaxGroups int64 `json:"max_groups"`
	// BudgetBytes is a soft limit for scratch allocations.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// Report describes the detected adapter.
type Report struct {
	Taken       time.Time         `json:"taken"`
	Runtime     string            `json:"runtime"`
	Adapter     Adapter           `json:"adapter"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Extensions  string            `json:"extensions"`
	Recommended Recommendations   `json:"recommended"`
	Env         map[string]string `json:"env,omitempty"`
}

// DetectJSON inspects the device and returns the indented JSON report.
func DetectJSON() (string, error) {
	rep, err := Detect()
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect reports on the shared device, creating it if needed.
func Detect() (*Report, error) {
	c, err := gpu.GetContext()
	if err != nil {
		return nil, err
	}
	info := c.Adapter.GetInfo()
	l := Limits{
		WorkgroupSizeX:      c.Limits.MaxComputeWorkgroupSizeX,
		InvocationsPerGroup: c.Limits.MaxComputeInvocationsPerWorkgroup,
		WorkgroupsPerDim:    c.Limits.MaxComputeWorkgroupsPerDimension,
		WorkgroupStorage:    c.Limits.MaxComputeWorkgroupStorageSize,
		StorageBindingBytes: c.Limits.MaxStorageBufferBindingSize,
		BufferBytes:         c.Limits.MaxBufferSize,
	}
	return &Report{
		Taken:   time.Now().UTC(),
		Runtime: runtime.GOOS + "/" + runtime.GOARCH,
		Adapter: Adapter{
			Name:    strings.TrimSpace(info.Name),
			Vendor:  strings.TrimSpace(info.VendorName),
			Type:    info.AdapterType.String(),
			Backend: info.BackendType.String(),
			Driver:  strings.TrimSpace(info.DriverDescription),
			IDs:     fmt.Sprintf("%04x:%04x", info.VendorId, info.DeviceId),
		},
		Limits:      l,
		Features:    c.Features,
		Extensions:  Extensions(c.Features).String(),
		Recommended: recommend(l, budget()),
		Env:         setEnv(gpu.AdapterEnvVar, BudgetEnvVar),
	}, nil
}

// Extensions maps adapter feature names to the capabilities they unlock.
// Subgroup sizing needs no feature; the wgpu engine always shapes by it.
func Extensions(features []string) compute.DeviceExt {
	ext := compute.DeviceExtSubgroups
	for _, f := range features {
		f = strings.ToLower(f)
		if strings.Contains(f, "shaderf16") || strings.Contains(f, "shader-f16") {
			ext |= compute.DeviceExtFP16
		}
	}
	return ext
}

func budget() uint64 {
	if mb, err := strconv.Atoi(os.Getenv(BudgetEnvVar)); err == nil && mb > 0 {
		return uint64(mb) << 20
	}
	return defaultBudget
}

func chooseWorkgroup(maxX, maxTotal uint32) uint32 {
	for c := uint32(256); c > 1; c >>= 1 {
		if c <= maxX && c <= maxTotal {
			return c
		}
	}
	return 1
}

func recommend(l Limits, budget uint64) Recommendations {
	r := Recommendations{
		WorkgroupX:  chooseWorkgroup(l.WorkgroupSizeX, l.InvocationsPerGroup),
		MaxElements: int64(l.StorageBindingBytes / 4),
		BudgetBytes: budget,
	}
	// Backward partials are the largest scratch: 2 f32 per channel and group,
	// sized here for a 1024-channel problem.
	r.MaxGroups = max(int64(budget/(2*4*1024)), 1)
	r.MaxGroups = min(r.MaxGroups, int64(l.WorkgroupsPerDim))
	return r
}

func setEnv(keys ...string) map[string]string {
	var out map[string]string
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			if out == nil {
				out = map[string]string{}
			}
			out[k] = v
		}
	}
	return out
}
