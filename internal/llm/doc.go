// Package llm contains the generation backends that dispatch providers wrap.
// Each subpackage talks to one vendor API (or a local process) and returns a
// normalized Response so that provider adapters stay vendor agnostic.
package llm
