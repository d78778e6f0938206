// Package http holds the HTTP handlers for the license server.
//
// Handlers decode and validate the request, call a service from
// internal/services and render the result with chi/render. Failures are
// written as RFC 7807 problem documents through the shared ErrorHandler.
// Problem documents also carry the legacy "status" and "message" members
// that the desktop client reads.
//
// The license routes are registered twice: at the root, where existing
// desktop builds call them, and under /api/v1/license.
package http
