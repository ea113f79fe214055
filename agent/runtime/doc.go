// Package runtime recovers panics in agent goroutines, logs them with a
// stack trace and records them on the active span.
package runtime
