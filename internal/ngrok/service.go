package ngrok

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cadenza/internal/config"

	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok/v2"
)

// ErrMissingAuthToken is returned when the tunnel is enabled without a token
var ErrMissingAuthToken = errors.New("ngrok auth token not set (ngrok.auth_token or NGROK_AUTHTOKEN)")

// Service exposes the local server through an ngrok endpoint. A nil
// *Service is a disabled tunnel and all methods are no-ops on it.
type Service struct {
	config *config.NgrokConfig
	agent  ngrok.Agent
	logger *logrus.Logger

	mu     sync.Mutex
	tunnel ngrok.EndpointForwarder
}

// NewService returns nil, nil when the tunnel is disabled. The auth token
// comes from config, which already folds in NGROK_AUTHTOKEN.
func NewService(cfg *config.NgrokConfig, logger *logrus.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AuthToken == "" {
		return nil, ErrMissingAuthToken
	}

	agent, err := ngrok.NewAgent(ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create ngrok agent: %w", err)
	}

	return &Service{config: cfg, agent: agent, logger: logger}, nil
}

// trafficPolicy puts an OAuth login in front of the endpoint
func trafficPolicy(provider string) string {
	return fmt.Sprintf(`
on_http_request:
  - actions:
      - type: oauth
        config:
          provider: %s
`, provider)
}

// StartTunnel forwards the public endpoint to localAddress
func (s *Service) StartTunnel(ctx context.Context, localAddress string) error {
	if s == nil {
		return nil
	}

	var opts []ngrok.EndpointOption
	if s.config.Domain != "" {
		opts = append(opts, ngrok.WithURL(s.config.Domain))
	}
	if s.config.EnableAuth {
		opts = append(opts, ngrok.WithTrafficPolicy(trafficPolicy(s.config.AuthProvider)))
	}

	tunnel, err := s.agent.Forward(ctx, ngrok.WithUpstream(localAddress), opts...)
	if err != nil {
		return fmt.Errorf("failed to create ngrok tunnel: %w", err)
	}
	s.mu.Lock()
	s.tunnel = tunnel
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"public_url": tunnel.URL().String(),
		"upstream":   localAddress,
		"oauth":      s.config.EnableAuth,
	}).Info("Ngrok tunnel active")
	return nil
}

// PublicURL returns the tunnel URL, or "" when no tunnel is up
func (s *Service) PublicURL() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnel == nil {
		return ""
	}
	return s.tunnel.URL().String()
}

// Stop closes the tunnel
func (s *Service) Stop() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	tunnel := s.tunnel
	s.tunnel = nil
	s.mu.Unlock()
	if tunnel == nil {
		return nil
	}
	s.logger.Info("Stopping ngrok tunnel")
	return tunnel.Close()
}
