// Package services sits between the HTTP handlers and the domain packages.
//
// LicenseService turns lifecycle results from internal/license into the
// response bodies existing clients expect, including the legacy status and
// message strings. AnalysisService fronts the content classifier and
// HealthService answers liveness and readiness probes.
//
// Handlers depend on the interfaces declared here so they can be tested
// with testify mocks.
package services
