// Package output hands stitched records to their destination tables.
//
// A DataTable accepts rows that follow one protocol's Schema. The Emitter sits
// in front of a table and buffers records the table cannot take yet:
//   - the buffer is bounded, and overflow drops the oldest records
//   - ErrTableFull keeps the remainder buffered for the next Emit
//   - rows are appended in the order the stitcher produced them
//
// Tables:
//   - ColumnTable: in-memory columns, optionally capped
//   - SpanTable: one OpenTelemetry span per record
//   - LogTable: one structured log entry per record
//   - Discard: validates and drops
package output
