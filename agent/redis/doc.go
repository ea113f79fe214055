// Package redis connects to Redis and provides the distributed lock that
// keeps scanner passes on a single node.
package redis
