package framework

import (
	"context"
	"fmt"
)

// PreCheck inspects a message before its handler runs. An error fails the message.
type PreCheck func(ctx context.Context, msg *Message) error

// PreProcessor runs checks in order ahead of a handler.
type PreProcessor struct {
	checks []PreCheck
}

// NewPreProcessor builds a chain from checks, run in the given order.
func NewPreProcessor(checks ...PreCheck) *PreProcessor {
	return &PreProcessor{checks: checks}
}

// Run runs the chain and stops at the first error.
func (p *PreProcessor) Run(ctx context.Context, msg *Message) error {
	for i, check := range p.checks {
		if err := check(ctx, msg); err != nil {
			return fmt.Errorf("precheck[%d] failed: %w", i, err)
		}
	}
	return nil
}

// Wrap returns a handler that runs the chain, then next.
func (p *PreProcessor) Wrap(next HandlerFunc) HandlerFunc {
	if len(p.checks) == 0 {
		return next
	}
	return func(ctx context.Context, msg *Message) error {
		if err := p.Run(ctx, msg); err != nil {
			return err
		}
		return next(ctx, msg)
	}
}
