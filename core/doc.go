// Package core contains the benefit grant domain: entities, the per-kind
// strategy contract, the grant state machine, the orchestrator that turns
// commercial lifecycle events into outbox tasks, and the task runtime that
// executes those tasks. Storage, queue and transport adapters depend on this
// package; core does not depend on any of them.
package core
