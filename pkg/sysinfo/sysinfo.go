// Package sysinfo probes informational host metadata for the connect
// payload. The probe is best effort: whatever fails is logged and left
// out, and the handshake proceeds regardless.
package sysinfo

import (
	"context"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const metadataVersion = 5

// Probe gathers host utilization metadata. Partial results are normal.
func Probe(ctx context.Context, logger *slog.Logger) map[string]any {
	out := map[string]any{"metadata_version": metadataVersion}

	if hi, err := host.InfoWithContext(ctx); err != nil {
		logger.With("err", err).Debug("host probe failed")
	} else {
		out["hostname"] = hi.Hostname
		out["os"] = hi.OS
		out["platform"] = hi.Platform
		out["kernel_version"] = hi.KernelVersion
		out["boot_time"] = hi.BootTime
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.With("err", err).Debug("memory probe failed")
	} else {
		out["total_ram_mib"] = vm.Total >> 20
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		logger.With("err", err).Debug("cpu probe failed")
	} else {
		out["logical_processors"] = n
	}

	return out
}

// Hostname returns the local hostname, empty when unavailable.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
