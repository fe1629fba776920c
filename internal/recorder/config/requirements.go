package config

import (
	"fmt"
	"strings"
)

// Requirements is the memory a configuration commits to.
type Requirements struct {
	// GlobalPoolBytes is preallocated at start.
	GlobalPoolBytes int64

	// ThreadPoolBytes is preallocated for producer buffers.
	ThreadPoolBytes int64

	// OnDemandBytes is the allocation limit for thread and transient
	// buffers, or 0 if unlimited.
	OnDemandBytes int64

	// WorstCaseBytes is the most storage can hold, or 0 if unlimited.
	WorstCaseBytes int64

	// LargestPooledEvent is the largest event that can lease a global
	// buffer; larger ones need a transient allocation.
	LargestPooledEvent int64

	// EffectiveLeaseThreshold and EffectiveDiscardThreshold after defaults.
	EffectiveLeaseThreshold   int
	EffectiveDiscardThreshold int
}

// CalculateRequirements computes the memory footprint of the configuration.
func (c *Config) CalculateRequirements() Requirements {
	m := c.Memory
	r := Requirements{
		GlobalPoolBytes:    int64(m.GlobalBufferSize) * int64(m.GlobalBufferCount),
		ThreadPoolBytes:    int64(m.ThreadBufferSize) * int64(m.GlobalBufferCount),
		OnDemandBytes:      int64(m.MemoryLimit),
		LargestPooledEvent: int64(m.GlobalBufferSize) - 1,
	}

	r.EffectiveLeaseThreshold = m.LeaseThreshold
	if r.EffectiveLeaseThreshold == 0 {
		r.EffectiveLeaseThreshold = max(m.GlobalBufferCount/2, 1)
	}
	r.EffectiveDiscardThreshold = m.DiscardThreshold
	if r.EffectiveDiscardThreshold == 0 {
		r.EffectiveDiscardThreshold = m.GlobalBufferCount
	}

	if m.MemoryLimit > 0 {
		// the thread-local and transient limits apply separately
		r.WorstCaseBytes = r.GlobalPoolBytes + 2*r.OnDemandBytes
	}
	return r
}

// FormatRequirements returns a human-readable summary.
func (r *Requirements) FormatRequirements() string {
	var sb strings.Builder
	sb.WriteString("Memory requirements:\n")
	fmt.Fprintf(&sb, "  Global pool:        %s\n", formatBytes(r.GlobalPoolBytes))
	fmt.Fprintf(&sb, "  Thread buffers:     %s\n", formatBytes(r.ThreadPoolBytes))
	if r.OnDemandBytes > 0 {
		fmt.Fprintf(&sb, "  On-demand limit:    %s\n", formatBytes(r.OnDemandBytes))
		fmt.Fprintf(&sb, "  Worst case:         %s\n", formatBytes(r.WorstCaseBytes))
	} else {
		sb.WriteString("  On-demand limit:    unlimited\n")
	}
	fmt.Fprintf(&sb, "  Largest pooled event: %s\n", formatBytes(r.LargestPooledEvent))
	fmt.Fprintf(&sb, "  Lease threshold:    %d\n", r.EffectiveLeaseThreshold)
	fmt.Fprintf(&sb, "  Discard threshold:  %d\n", r.EffectiveDiscardThreshold)
	return sb.String()
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
