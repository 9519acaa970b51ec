// Package run tracks task executions as persistent runs.
//
// A run is created pending, claimed exactly once, executed by the agent and
// then completed with its result envelope. Runs can be executed synchronously
// through Service.Execute or submitted to a queue and picked up by a
// Processor. Stores are available for memory, Redis and MySQL; queues for
// memory, Redis lists and RabbitMQ.
//
// Runs are never re-queued once execution has started. A failed run stays
// failed.
package run
