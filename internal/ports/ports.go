package ports

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 10

// Acquirer binds a TCP listener on the configured port, falling back to
// alternative ports when auto port switching is enabled.
type Acquirer struct {
	host        string
	maxAttempts int
	strategy    string
	portRange   [2]int
	enabled     bool
}

// Result describes the listener that was finally bound.
type Result struct {
	Listener net.Listener
	Port     int
	Switched bool // true when a fallback port was used
}

// New builds an acquirer from the server config.
func New(cfg config.ServerConfig) *Acquirer {
	a := &Acquirer{
		host:        cfg.Host,
		maxAttempts: cfg.AutoPortSwitch.MaxAttempts,
		strategy:    cfg.AutoPortSwitch.Strategy,
		portRange:   cfg.AutoPortSwitch.PortRange,
		enabled:     cfg.AutoPortSwitch.Enabled,
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = defaultMaxAttempts
	}
	if a.portRange[0] <= 0 || a.portRange[1] < a.portRange[0] {
		a.portRange = [2]int{1024, 65535}
	}
	return a
}

// Acquire binds the preferred port, trying fallbacks per the configured
// strategy when the port is taken. Port 0 asks the kernel for a free port.
func (a *Acquirer) Acquire(preferred int) (*Result, error) {
	ln, err := a.listen(preferred)
	if err == nil {
		return &Result{Listener: ln, Port: boundPort(ln)}, nil
	}
	if !a.enabled {
		return nil, fmt.Errorf("port %d unavailable: %w", preferred, err)
	}

	logging.Warn("Preferred port unavailable; switching",
		zap.Int("port", preferred),
		zap.String("strategy", a.strategy),
	)

	for attempt := 1; attempt < a.maxAttempts; attempt++ {
		candidate := a.nextCandidate(preferred, attempt)
		ln, err = a.listen(candidate)
		if err != nil {
			continue
		}
		port := boundPort(ln)
		logging.Info("Acquired fallback port",
			zap.Int("requested", preferred),
			zap.Int("port", port),
			zap.Int("attempt", attempt),
		)
		return &Result{Listener: ln, Port: port, Switched: true}, nil
	}
	return nil, fmt.Errorf("no free port found after %d attempts starting from %d", a.maxAttempts, preferred)
}

func (a *Acquirer) nextCandidate(preferred, attempt int) int {
	switch a.strategy {
	case "increment":
		candidate := preferred + attempt
		if candidate > a.portRange[1] {
			candidate = a.portRange[0] + (candidate-a.portRange[1]-1)%(a.portRange[1]-a.portRange[0]+1)
		}
		return candidate
	default: // "random"
		span := a.portRange[1] - a.portRange[0] + 1
		return a.portRange[0] + rand.Intn(span)
	}
}

func (a *Acquirer) listen(port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(a.host, fmt.Sprintf("%d", port)))
}

func boundPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
