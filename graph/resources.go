package graph

import (
	"fmt"
	"sort"
	"strings"

	units "github.com/docker/go-units"
)

// ResourceRequirements are the resources a node or a whole run needs.
type ResourceRequirements struct {
	CPUCores    float64            `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty" toml:"cpu_cores,omitempty"`
	MemoryBytes int64              `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty" toml:"memory_bytes,omitempty"`
	DiskBytes   int64              `json:"disk_bytes,omitempty" yaml:"disk_bytes,omitempty" toml:"disk_bytes,omitempty"`
	NetworkMbps float64            `json:"network_mbps,omitempty" yaml:"network_mbps,omitempty" toml:"network_mbps,omitempty"`
	Custom      map[string]float64 `json:"custom,omitempty" yaml:"custom,omitempty" toml:"custom,omitempty"`
}

// Add returns the component-wise sum of r and o.
func (r ResourceRequirements) Add(o ResourceRequirements) ResourceRequirements {
	out := ResourceRequirements{
		CPUCores:    r.CPUCores + o.CPUCores,
		MemoryBytes: r.MemoryBytes + o.MemoryBytes,
		DiskBytes:   r.DiskBytes + o.DiskBytes,
		NetworkMbps: r.NetworkMbps + o.NetworkMbps,
	}
	if len(r.Custom)+len(o.Custom) > 0 {
		out.Custom = make(map[string]float64, len(r.Custom)+len(o.Custom))
		for k, v := range r.Custom {
			out.Custom[k] += v
		}
		for k, v := range o.Custom {
			out.Custom[k] += v
		}
	}
	return out
}

// IsZero reports whether no resource is requested.
func (r ResourceRequirements) IsZero() bool {
	if r.CPUCores != 0 || r.MemoryBytes != 0 || r.DiskBytes != 0 || r.NetworkMbps != 0 {
		return false
	}
	for _, v := range r.Custom {
		if v != 0 {
			return false
		}
	}
	return true
}

func (r ResourceRequirements) String() string {
	parts := []string{
		fmt.Sprintf("cpu=%g", r.CPUCores),
		"memory=" + units.BytesSize(float64(r.MemoryBytes)),
		"disk=" + units.BytesSize(float64(r.DiskBytes)),
		fmt.Sprintf("network=%gMbps", r.NetworkMbps),
	}
	keys := make([]string, 0, len(r.Custom))
	for k := range r.Custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, r.Custom[k]))
	}
	return strings.Join(parts, " ")
}

// ResourceUsage is the amount of resources currently reserved.
type ResourceUsage ResourceRequirements

// Add reserves r.
func (u ResourceUsage) Add(r ResourceRequirements) ResourceUsage {
	return ResourceUsage(ResourceRequirements(u).Add(r))
}

// Sub releases r. Components never drop below zero.
func (u ResourceUsage) Sub(r ResourceRequirements) ResourceUsage {
	out := ResourceUsage{
		CPUCores:    clampFloat(u.CPUCores - r.CPUCores),
		MemoryBytes: clampInt(u.MemoryBytes - r.MemoryBytes),
		DiskBytes:   clampInt(u.DiskBytes - r.DiskBytes),
		NetworkMbps: clampFloat(u.NetworkMbps - r.NetworkMbps),
	}
	for k, v := range u.Custom {
		left := clampFloat(v - r.Custom[k])
		if left > 0 {
			if out.Custom == nil {
				out.Custom = make(map[string]float64)
			}
			out.Custom[k] = left
		}
	}
	return out
}

// ResourceLimits caps total usage. A zero component is unlimited, as is any
// custom resource without an entry.
type ResourceLimits ResourceRequirements

// Fits reports whether usage plus r stays within the limits on every
// component.
func (l ResourceLimits) Fits(usage ResourceUsage, r ResourceRequirements) bool {
	total := usage.Add(r)
	if l.CPUCores > 0 && total.CPUCores > l.CPUCores {
		return false
	}
	if l.MemoryBytes > 0 && total.MemoryBytes > l.MemoryBytes {
		return false
	}
	if l.DiskBytes > 0 && total.DiskBytes > l.DiskBytes {
		return false
	}
	if l.NetworkMbps > 0 && total.NetworkMbps > l.NetworkMbps {
		return false
	}
	for k, limit := range l.Custom {
		if limit > 0 && total.Custom[k] > limit {
			return false
		}
	}
	return true
}

// Admits reports whether r could ever fit, with nothing else reserved.
func (l ResourceLimits) Admits(r ResourceRequirements) bool {
	return l.Fits(ResourceUsage{}, r)
}

func clampFloat(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampInt(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
