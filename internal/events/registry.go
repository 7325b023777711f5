package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// graph
	"graph.snapshot": {},
	"graph.mutated":  {},
	"graph.reset":    {},

	// session
	"session.created":       {},
	"session.phase_changed": {},
	"session.control":       {},
	"session.reset":         {},

	// policy
	"policy.cycle":     {},
	"policy.violation": {},
	"policy.decision":  {},
	"policy.converged": {},
	"policy.failed":    {},

	// expansion
	"expansion.started":   {},
	"expansion.completed": {},
	"expansion.failed":    {},

	// blast radius
	"blast.simulated": {},

	// pipeline
	"pipeline.stage":     {},
	"pipeline.log":       {},
	"pipeline.fix":       {},
	"pipeline.completed": {},
	"pipeline.failed":    {},
	"pipeline.aborted":   {},

	// oracle
	"oracle.retry": {},

	// agent-facing stream
	"agent.log":     {},
	"agent.thought": {},
	"agent.result":  {},
	"agent.error":   {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
