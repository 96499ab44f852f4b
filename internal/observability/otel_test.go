package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sage/internal/config"
	"sage/internal/logging"
	"sage/internal/observability"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := observability.Setup(context.Background(), config.TracingConfig{Enabled: false}, "test", logging.Nop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := observability.Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "test", logging.Nop())
	require.Error(t, err)
}
