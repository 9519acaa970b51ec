// Package llm defines the reasoning collaborator used by task selection and
// input mapping. Providers live in sub-packages; callers own decoding and
// validating the structured output they ask for.
package llm
