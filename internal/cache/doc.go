// Package cache provides a generic in-memory TTL cache shared by the
// credential manager and the reference diagnostic engine.
//
// Each Cache registers itself with a Registry on construction; the
// Registry runs one background sweeper that periodically removes expired
// entries from every registered cache. Reads never return expired values
// regardless of sweeper timing.
package cache
