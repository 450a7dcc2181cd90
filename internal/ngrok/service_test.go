package ngrok

import (
	"context"
	"testing"

	"cadenza/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceDisabled(t *testing.T) {
	svc, err := NewService(&config.NgrokConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, svc)

	// A disabled tunnel is a nil *Service and every method is a no-op
	assert.NoError(t, svc.StartTunnel(context.Background(), "http://localhost:8080"))
	assert.Empty(t, svc.PublicURL())
	assert.NoError(t, svc.Stop())
}

func TestNewServiceMissingToken(t *testing.T) {
	_, err := NewService(&config.NgrokConfig{Enabled: true}, nil)
	assert.ErrorIs(t, err, ErrMissingAuthToken)
}

func TestTrafficPolicy(t *testing.T) {
	policy := trafficPolicy("github")
	assert.Contains(t, policy, "type: oauth")
	assert.Contains(t, policy, "provider: github")
}
