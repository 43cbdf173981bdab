package llm

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// FallbackGenerator prefers the primary generator and switches to the
// secondary when the primary fails. Once the secondary has answered it stays
// preferred until it fails, then the primary is retried.
type FallbackGenerator struct {
	primary        Generator
	secondary      Generator
	logger         *zap.Logger
	fallbackActive atomic.Bool
}

func NewFallbackGenerator(primary, secondary Generator, logger *zap.Logger) *FallbackGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackGenerator{primary: primary, secondary: secondary, logger: logger}
}

func (g *FallbackGenerator) Name() string {
	return g.primary.Name() + "+" + g.secondary.Name()
}

func (g *FallbackGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	first, second := g.primary, g.secondary
	if g.fallbackActive.Load() {
		first, second = g.secondary, g.primary
	}

	res, firstErr := first.Generate(ctx, req)
	if firstErr == nil {
		return res, nil
	}
	g.logger.Warn("generator failed, trying alternate",
		zap.String("failed", first.Name()),
		zap.String("alternate", second.Name()),
		zap.Error(firstErr))

	res, secondErr := second.Generate(ctx, req)
	if secondErr != nil {
		return Result{}, fmt.Errorf("%s failed: %v; %s failed: %w", first.Name(), firstErr, second.Name(), secondErr)
	}
	g.fallbackActive.Store(second == g.secondary)
	return res, nil
}
