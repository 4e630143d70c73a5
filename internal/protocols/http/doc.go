// Package http parses HTTP/1.0 and HTTP/1.1 messages from reassembled socket
// streams and stitches them into http_events records.
//
// Line endings may be CRLF or bare LF. Bodies are framed by Content-Length,
// chunked transfer encoding, or (responses only) the connection close.
package http
