// Package mapper assigns every declared task input either a literal value or a
// reference to a runtime variable, validating the reasoning collaborator's
// answer against the variable snapshot of the current run.
package mapper
