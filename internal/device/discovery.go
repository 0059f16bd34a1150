package device

import (
	"context"
	"fmt"

	"github.com/oshokin/abacus-daq/internal/logger"
)

// Discover lists the system's ports and returns those a counter answers on,
// in the order the system reports them. Probing is read-only.
func Discover(ctx context.Context, opts ...Option) ([]string, error) {
	o := newOptions(opts)

	candidates, err := o.lister()
	if err != nil {
		return nil, fmt.Errorf("discover ports: %w", err)
	}

	found := make([]string, 0, len(candidates))

	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		if !Identify(name, opts...) {
			logger.DebugKV(ctx, "Port did not answer as a counter", "port", name)
			continue
		}

		found = append(found, name)
	}

	logger.DebugKV(ctx, "Port discovery finished", "candidates", len(candidates), "found", len(found))

	return found, nil
}
