// Package conversation holds the value model for a multi-turn agent run:
// messages, tool calls, iterations, and the Context that threads them
// through the tool-calling loop.
//
// Context is a value type. Every mutating operation returns a fresh
// Context and the caller rebinds; two goroutines can never observe the
// same mutable state because there is none.
package conversation
