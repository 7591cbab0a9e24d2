package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}

func TestDefaultConfig_ThresholdsOrdered(t *testing.T) {
	cfg := DefaultConfig()
	require.Less(t, cfg.ConflictHighThreshold, cfg.ConflictAutoThreshold)
	require.Equal(t, "memory", cfg.OpLogType)
	require.True(t, cfg.MergeVerification)
}
