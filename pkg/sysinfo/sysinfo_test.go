package sysinfo_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluxmon/fluxmon/pkg/sysinfo"
)

func TestProbeAlwaysCarriesMetadataVersion(t *testing.T) {
	out := sysinfo.Probe(context.Background(), slog.Default())
	assert.Equal(t, 5, out["metadata_version"])
}

func TestProbeSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := sysinfo.Probe(ctx, slog.Default())
	assert.NotNil(t, out, "a failed probe still yields a partial result")
}

func TestHostname(t *testing.T) {
	assert.NotEmpty(t, sysinfo.Hostname())
}
