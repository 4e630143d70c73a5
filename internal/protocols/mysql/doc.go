// Package mysql parses MySQL client/server protocol packets and stitches
// commands with their responses into mysql_events records.
//
// The parser only frames packets (3-byte little-endian length, 1-byte
// sequence id). Grouping response packets into one logical response needs the
// command that caused it, so that happens in the Stitcher, which also keeps the
// prepared statement id to query mapping of the connection.
package mysql
