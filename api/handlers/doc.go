// Package handlers implements the HTTP API.
//
// Every endpoint returns the shared Response envelope: success payloads under
// "data", failures under "error" with a stable machine-readable code. The
// handlers talk to the orchestrator through the Service interface so they can
// be tested without a real sandbox backend.
package handlers
