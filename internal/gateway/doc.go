// Package gateway orchestrates the arena-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the arena-gateway
// server. It owns the HTTP API, the rollout engine, and the persistence
// store, and manages their lifecycle from reconciliation at startup through
// graceful shutdown.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    store      store.Store
//	    engine     *engine.Engine
//	    tokens     *auth.TokenIssuer
//	    httpServer *http.Server
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/tasks - Create a benchmark task
//   - GET /api/tasks - List tasks with rollout statistics
//   - GET /api/tasks/{id} - Get one task
//   - POST /api/rollouts - Queue rollout attempts for a task
//   - GET /api/rollouts - List rollouts, filterable by task_id and status
//   - GET /api/rollouts/{id} - Get one rollout
//   - DELETE /api/rollouts/{id} - Delete a terminal rollout record
//   - POST /api/rollouts/{id}/cancel - Request cancellation
//   - POST /api/rollouts/{id}/steps - Report an agent step (bearer token)
//   - GET /api/rollouts/{id}/steps - List recorded agent steps
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Step log writes are authenticated with the per-rollout JWT minted when the
// rollout's sandbox is provisioned; a token for rollout N cannot write steps
// for rollout M. Everything else is unauthenticated and intended to sit
// behind a trusted network boundary.
//
// # Lifecycle
//
// Run performs startup in order: reconcile leftover containers and rollout
// records from a previous process, start the engine worker pool, then serve
// HTTP. On context cancellation it stops the HTTP listener, drains the
// engine within its grace period, and closes the store.
package gateway
