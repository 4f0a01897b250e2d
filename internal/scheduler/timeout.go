package scheduler

import "time"

// CostClassTimeouts maps a cost class to its default dispatch timeout,
// overridden per-node by CognitiveNode.Policy.Timeout.
type CostClassTimeouts map[string]time.Duration

// DefaultCostClassTimeouts matches the kernel's published default table.
var DefaultCostClassTimeouts = CostClassTimeouts{
	"free":     5 * time.Second,
	"light":    30 * time.Second,
	"session":  10 * time.Minute,
	"research": 20 * time.Minute,
	"dream":    15 * time.Minute,
}

// resolveTimeout determines the timeout duration by precedence: per-node
// override, then the cost-class default, then zero (unlimited).
func resolveTimeout(nodeTimeout time.Duration, costClass string, table CostClassTimeouts) time.Duration {
	if nodeTimeout > 0 {
		return nodeTimeout
	}
	if t, ok := table[costClass]; ok {
		return t
	}
	return 0
}

// gracePeriod is the cooperative-cancellation window after a timeout fires,
// before the worker slot is force-reclaimed: cost_class timeout / 10,
// floored at one second.
func gracePeriod(timeout time.Duration) time.Duration {
	g := timeout / 10
	if g < time.Second {
		return time.Second
	}
	return g
}
