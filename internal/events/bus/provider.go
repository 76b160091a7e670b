package bus

import (
	"github.com/acpgate/acpgate/internal/common/config"
	"github.com/acpgate/acpgate/internal/common/logger"
)

// New selects the bus backend from configuration: NATS when a URL is set,
// in-memory otherwise.
func New(cfg config.BusConfig, log *logger.Logger) (EventBus, error) {
	if cfg.NATSURL != "" {
		return NewNATSEventBus(cfg.NATSURL, log)
	}
	return NewMemoryEventBus(log), nil
}
