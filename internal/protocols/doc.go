// Package protocols defines the contract between the connection tracker and the
// application protocol implementations.
//
// Protocols are a closed enum. Each tag maps to a Handler in a Table, and the
// order of registration is the priority used by protocol inference. Adding a
// protocol means adding a tag, a Handler and its Schema; nothing dispatches on
// concrete types.
package protocols
