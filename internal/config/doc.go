// Package config loads the TaskPilot daemon configuration from a JSON or YAML
// file, fills defaults and applies environment overrides such as
// TASK_EXECUTOR_URL and TASK_EXECUTOR_RETRY_ATTEMPTS.
package config
