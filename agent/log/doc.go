// Package log defines the logging interface used by every agent component.
//
// Components accept a Logger through an option and fall back to NewNop, so
// the zap adapter is wired only at the process edge.
package log
