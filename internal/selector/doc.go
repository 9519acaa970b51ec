// Package selector picks one remote task out of the candidates returned by a
// search, using the reasoning collaborator and a strict decode of its answer.
package selector
