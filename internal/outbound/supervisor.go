package outbound

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/registry"
)

// Supervisor owns one client per enabled ocpp_services entry.
type Supervisor struct {
	clients []*Client
	logger  *zap.Logger
}

// NewSupervisor builds clients for the configured services.
func NewSupervisor(cfg *config.Config, control registry.ControlPlane, reg *registry.Registry, logger *zap.Logger) *Supervisor {
	s := &Supervisor{logger: logger}
	for _, service := range cfg.OCPPServices {
		if !service.IsEnabled() {
			logger.Info("ocpp service disabled", zap.String("service_id", service.ID))
			continue
		}
		s.clients = append(s.clients, NewClient(service, control, reg, logger))
	}
	return s
}

// Run starts every client and blocks until all of them have stopped,
// which happens once ctx is cancelled. With no enabled services it
// returns at once.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, client := range s.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Run(ctx)
		}(client)
	}
	wg.Wait()
}
