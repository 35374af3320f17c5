// Package troupe is a multi-tenant agent orchestration runtime.
//
// A Task submitted through a Manager is routed to an Agent, which builds a
// prompt from its system prompt, bounded memory, and tools, then runs a
// bounded tool-calling loop. Every model turn goes through the Gateway,
// which deduplicates identical requests, enforces per-tenant rate limits,
// and trips a per-provider circuit breaker before invoking the external
// ModelProvider. The Orchestrator composes agents into DAG workflows and
// named coordination patterns (leader-follower, peer-to-peer, pipeline,
// broadcast).
//
// The package is a library: cmd/troupe wraps it in an optional REST shell,
// observer provides OpenTelemetry instrumentation, and store adapters add
// optional persistence for memory snapshots and workflow results.
package troupe
