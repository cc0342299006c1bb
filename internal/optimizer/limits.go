package optimizer

import (
	"fmt"

	"loadplan/internal/plan"
)

// Limits bounds plan size. Zero disables a limit.
type Limits struct {
	// MaxDepth caps relation nesting below the root.
	MaxDepth int
	// MaxNodes caps the number of plan nodes including the root.
	MaxNodes int
}

func (l Limits) check(p *plan.LoadPlan) error {
	if l.MaxDepth <= 0 && l.MaxNodes <= 0 {
		return nil
	}
	stats := p.Stats()
	if l.MaxDepth > 0 && stats.Depth > l.MaxDepth {
		return fmt.Errorf("%w: depth %d exceeds maximum of %d", plan.ErrPlanTooLarge, stats.Depth, l.MaxDepth)
	}
	if l.MaxNodes > 0 && stats.Nodes > l.MaxNodes {
		return fmt.Errorf("%w: %d nodes exceed maximum of %d", plan.ErrPlanTooLarge, stats.Nodes, l.MaxNodes)
	}
	return nil
}
