// Package model holds the persisted entities of the creditors agent.
//
// All identifiers are int64 values that the network treats as unsigned.
// Timestamps are UTC. Calendar dates are represented as midnight UTC.
package model
