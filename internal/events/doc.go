// Package events publishes run lifecycle progress (task.started through
// task.completed or task.failed) to RabbitMQ, NATS or the structured log.
package events
