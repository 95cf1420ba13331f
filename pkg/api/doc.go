// Package api implements the coordinator's REST surface.
//
// The API is the only way in or out of the document store. Workers
// claim work through the POP actions, report progress through fenced
// PATCHes, and leave liveness breadcrumbs under /status; operators
// drive the same routes through the admin CLI. Route names and response
// shapes are a wire contract shared with earlier generations of the
// archival tooling, which is why the collections are capitalized
// (/TransferRequests, /Bundles, /Metadata) and why POP returns
// {"bundle": null} instead of a 404 when no work matches.
//
// # Claiming and fencing
//
// POST /TransferRequests/actions/pop and /Bundles/actions/pop claim the
// oldest-priority matching document atomically; the conditional check
// and the claim write happen in one store transaction. A PATCH against
// a claimed document must carry the claimant in its body or it is
// rejected 409; tokens with the admin role are exempt so operators can
// repair stuck documents. Both halves together make the at-most-one
// guarantee: a reaped worker's late PATCH lands only if nobody
// re-claimed the document in between.
//
// # Authentication
//
// Every route wants a bearer token with the long-term-archive audience.
// Roles gate methods wholesale: read-only tokens GET, system tokens
// (the workers) do everything except DELETE, admin tokens do
// everything. Running without an OpenID provider disables verification
// for local development; the server warns at startup and treats every
// caller as admin.
//
// # Middleware
//
// The stack is chi's RequestID/RealIP/Recoverer plus structured request
// logging, per-route Prometheus counters and latency histograms, CORS
// for the dashboards, a request body cap, and the token check. Counters
// label by chi route pattern, not raw path, so uuid-bearing routes
// collapse into one series each.
package api
