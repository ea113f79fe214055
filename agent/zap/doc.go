// Package zap adapts go.uber.org/zap to the agent log.Logger interface and
// tees every entry into OpenTelemetry logs.
package zap
