// Package api exposes the task executor agent over HTTP: synchronous
// execution, asynchronous run submission, run lookups, service status and
// Prometheus metrics.
package api
