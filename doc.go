// Package psistreams joins distributed stream pipelines through a rendezvous,
// records what they exchange and analyzes it on the fly.
//
// # Architecture
//
// A process announces its endpoints (TCP writers, remote exporters, clock
// exporters, WebSocket servers) to a rendezvous. The rendezvous is relayed
// between instances by a TCP server/client pair or by a NATS key-value
// bucket. Every instance watches the relay and wires the announced streams
// into a subpipeline of its own:
//
//	rendezvous ──► RendezvousPipeline ──► subpipeline per process
//	                     │                      │
//	                     ▼                      ▼
//	               connector.Manager ──► dataset.Store (sqlite)
//
// Streams are typed. The binding registry maps a declared type name to the
// Go type and to its serializers, so a topic configured as "groups.Frame"
// is read as a pipeline.Source[groups.Frame].
//
// # Packages
//
//   - pipeline: emitters, subscriptions, components and their lifecycle
//   - binding, format: type bindings, serializers and the wire codecs
//   - rendezvous: the process registry and its relays
//   - transport: TCP, WebSocket and remote exporter endpoints
//   - connector, dataset: stream registry, sessions and stores
//   - service: the rendezvous, dataset and replay pipelines
//   - groups: group detection over tracked bodies
//   - attention: eye movement classification and attention measures
//   - command: remote commands between applications
//
// # Binaries
//
// cmd/psistreams runs a pipeline from a configuration file; cmd/psictl sends
// commands, lists relay processes and inspects datasets.
package psistreams
