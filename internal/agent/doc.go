// Package agent contains the execution orchestrator. It drives a request
// through the find, select, inputs, variables, map and execute stages against
// the remote task-execution service and folds the outcome into a single
// ExecutionResult envelope, recording the failing stage and cause when a run
// stops early.
package agent
