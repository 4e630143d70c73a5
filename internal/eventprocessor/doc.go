// Package eventprocessor is the ingestion adapter between the probe's ring
// buffers and the connection registry.
//
//	┌─────────────────────────────────────────┐
//	│   socket_data_events / control_events   │
//	└─────────────────┬───────────────────────┘
//	                  │ raw samples
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │
//	│   - Decodes bpf records                 │
//	│   - Rejects malformed events            │
//	│   - Fills in missing timestamps         │
//	└─────────────────┬───────────────────────┘
//	                  │ socket.Event
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   conntracker.Registry.Route            │
//	└─────────────────────────────────────────┘
//
// Malformed events are counted, logged at a bounded rate and dropped. They
// never stop ingestion.
package eventprocessor
