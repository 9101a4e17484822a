package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/platform/rediscache"
	"github.com/telopea-platform/compliance-backend/internal/realtime/bus"
)

type Clients struct {
	// Cache holds latest-version reads; a Noop stands in when Redis is
	// not configured so services never nil-check.
	Cache rediscache.PolicyCache

	// SSEBus relays SSE events between worker and API processes.
	SSEBus bus.Bus
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	cache, err := rediscache.New(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init policy cache: %w", err)
	}
	if cache == nil {
		cache = rediscache.Noop{}
	}

	var sseBus bus.Bus
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		b, err := bus.NewSSEBus(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis SSE bus: %w", err)
		}
		sseBus = b
	}

	return Clients{
		Cache:  cache,
		SSEBus: sseBus,
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.SSEBus != nil {
		_ = c.SSEBus.Close()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
}
