// Package conntracker turns socket events into protocol records.
//
// A Tracker owns one connection: two reassembled byte streams, the protocol
// inferred from their first bytes, and the parsed frames waiting to be
// stitched. A Registry shards trackers by connection id, routes events to
// them, drains their records per protocol and garbage collects trackers that
// are closed and drained or idle.
//
//	event ─► Registry.Route ─► Tracker.AddDataEvent ─► reassembler.Stream
//	                                                      │ head bytes
//	                                                      ▼
//	                                   infer ─► ParseFrame ─► reqs/resps
//	                                                      │
//	Registry.TransferRecords ─► Tracker.Transfer ─► Stitcher ─► []Record
package conntracker
