// Package memory keeps per-session conversation history that the input mapper
// consults when filling explicit values.
package memory
