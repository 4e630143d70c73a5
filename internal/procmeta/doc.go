// Package procmeta identifies process lifetimes and resolves their metadata.
//
// UPID pairs a PID with the process start time (in clock ticks since boot) so a
// recycled PID never aliases an earlier process. It is encoded as a 128-bit
// value for compact storage in the output tables.
//
// Manager caches ProcessMetadata per UPID:
//
// Queries:
//   - Get(upid) - Cached lookup, resolving from /proc on a miss
//   - Peek(upid) - Cached lookup only
//
// Commands:
//   - Set(upid, metadata) - Store metadata
//   - Delete(upid) - Forget a process lifetime
//
// Entries expire after the configured TTL and the cache is bounded in size.
package procmeta
