// Package probe reads cumulative per-device traffic counters. The
// default implementation samples NIC counters via gopsutil, using a
// configured mapping from interface name to device hardware address.
package probe

import (
	"context"
	"strings"
	"time"

	gopsutilnet "github.com/shirou/gopsutil/v4/net"

	"github.com/homewatch/netguard/internal/logger"
)

// Sample holds cumulative traffic counters for a device at one point in
// time. Counters are monotonically increasing except when the underlying
// counter source restarts; the usage tracker handles that case.
type Sample struct {
	BytesSent     uint64
	BytesReceived uint64
	TakenAt       time.Time
}

// TrafficProbe reads cumulative traffic counters for tracked devices.
type TrafficProbe interface {
	// SampleDevice returns the current cumulative counters for one device.
	// The second return value is false when no counter source is bound to
	// the device; the tracker skips such devices without error.
	SampleDevice(ctx context.Context, hardwareAddr string) (Sample, bool, error)
}

// -----------------------------------------------------------------------------
// gopsutil-backed implementation
// -----------------------------------------------------------------------------

// InterfaceBinding maps one local NIC to the hardware address whose
// traffic it carries.
type InterfaceBinding struct {
	NIC          string
	HardwareAddr string
}

// nicProbe samples per-interface counters from the kernel via gopsutil.
type nicProbe struct {
	nicByHardwareAddr map[string]string
}

// NewNICProbe creates a TrafficProbe backed by kernel interface counters.
// Hardware addresses are matched case-insensitively.
func NewNICProbe(bindings []InterfaceBinding) TrafficProbe {
	nicByHardwareAddr := make(map[string]string, len(bindings))
	for _, binding := range bindings {
		nicByHardwareAddr[strings.ToLower(binding.HardwareAddr)] = binding.NIC
	}
	return &nicProbe{
		nicByHardwareAddr: nicByHardwareAddr,
	}
}

// SampleDevice implements TrafficProbe.SampleDevice.
func (probeInstance *nicProbe) SampleDevice(ctx context.Context, hardwareAddr string) (Sample, bool, error) {
	nicName, bound := probeInstance.nicByHardwareAddr[strings.ToLower(hardwareAddr)]
	if !bound {
		return Sample{}, false, nil
	}

	counters, countersError := gopsutilnet.IOCountersWithContext(ctx, true)
	if countersError != nil {
		logger.ProbeLog.Errorf("failed to read interface counters: %v", countersError)
		return Sample{}, true, countersError
	}

	for _, counter := range counters {
		if counter.Name != nicName {
			continue
		}
		return Sample{
			BytesSent:     counter.BytesSent,
			BytesReceived: counter.BytesRecv,
			TakenAt:       time.Now(),
		}, true, nil
	}

	logger.ProbeLog.Warnf("bound interface %s for hw=%s not found in counter set", nicName, hardwareAddr)
	return Sample{}, false, nil
}
