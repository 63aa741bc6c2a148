// Package story defines the core domain types for the storyline
// orchestration engine: subject lifecycle phases, subject state with
// optimistic-concurrency versioning, evidence units, trigger payloads,
// and the typed NATS event subjects shared by all processors.
//
// Sub-packages build on these types:
//
//   - story/requirement: the requirement ledger (work items)
//   - story/archetype: multi-hypothesis archetype refinement
//   - story/gate: the composition sufficiency gate
//   - story/subflow: self-gating subflows and their registry
//   - story/dispatch: the trigger dispatcher (pass execution)
package story
