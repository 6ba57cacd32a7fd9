package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/fleawatch/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupEnabled(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"host port", "localhost:4318"},
		{"url", "http://localhost:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), config.TelemetryConfig{
				Enabled:      true,
				OTLPEndpoint: tt.endpoint,
				Insecure:     true,
			}, "test")
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}
