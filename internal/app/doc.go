// Package app wires the license server together and runs it.
//
// New selects the License Store, User ID Registry, Notification Dispatcher
// and classifier from configuration, builds the license core and the HTTP
// router, and returns an Application ready to Run. Run serves until the
// context is cancelled or SIGINT/SIGTERM arrives, then shuts the server down
// and releases every backend in reverse order of creation.
//
// Middleware order on the router:
//
//	RequestID -> RealIP -> OTel -> StructuredLogger -> Recoverer ->
//	SecurityHeaders -> CORS
//
// The client-facing routes add Timeout, BodyLimit, ContentType and, when
// enabled, the per-client rate limiter. Probes and /metrics skip those.
//
// Initialization errors are returned to the caller; the package never calls
// os.Exit.
package app
