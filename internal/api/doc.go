// Package api hosts the HTTP handlers of the crossroads channel control plane.
//
// Handler translates JSON requests into calls on the channel orchestrator,
// the read-only directory and the availability intake, and maps their typed
// errors onto status codes. Mutating channel routes require the channel
// password issued at creation; the handler checks it against the registry's
// stored hash before delegating.
//
// Every collaborator is injected at construction. Request ids, logging and
// metrics are applied by the middleware chain in internal/server.
package api
