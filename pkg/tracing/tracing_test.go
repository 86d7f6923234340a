package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupIsNoopWithoutEndpoint(t *testing.T) {
	t.Setenv(EndpointEnv, "")
	t.Setenv(EnabledEnv, "")

	shutdown, err := Setup(context.Background(), "offline-cache")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetupCanBeDisabled(t *testing.T) {
	t.Setenv(EndpointEnv, "http://192.0.2.1:4318")
	t.Setenv(EnabledEnv, "FALSE")

	shutdown, err := Setup(context.Background(), "offline-cache")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	// non-routable, nothing is exported since no span is recorded
	t.Setenv(EndpointEnv, "http://192.0.2.1:4318")
	t.Setenv(EnabledEnv, "")

	shutdown, err := Setup(context.Background(), "offline-cache")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
