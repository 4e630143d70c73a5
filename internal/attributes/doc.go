// Package attributes evaluates operator expressions against traced records.
//
// Expressions use the expr language and see one record at a time:
//   - protocol: the protocol name ("http", "mysql")
//   - record: column name to value for the record's table
//   - pid, comm, cmdline, args: the owning process, when its metadata is known
//
// Two evaluators:
//   - Evaluator: Evaluates custom attribute expressions
//   - TraceIDEvaluator: Evaluates and validates trace ID expressions (32 hex chars)
//
// Invalid trace IDs are automatically hashed with SHA-256 to produce valid IDs.
package attributes
