// Package rendezvous implements process discovery: the process and endpoint
// model, the registry raising added/removed events, and the relays that
// keep registries of several instances in sync (a TCP server and client, and
// a NATS key-value relay).
package rendezvous

import (
	"encoding/json"
	"fmt"

	"github.com/saacpsi/psistreams/errors"
)

// Stream describes one stream exposed by an endpoint
type Stream struct {
	Name     string `json:"name"`
	TypeName string `json:"type"`
}

// EndpointKind tags the endpoint variants
type EndpointKind string

// Endpoint kinds
const (
	KindTCPSource           EndpointKind = "tcp-source"
	KindRemoteExporter      EndpointKind = "remote-exporter"
	KindRemoteClockExporter EndpointKind = "remote-clock-exporter"
	KindWebSocketSource     EndpointKind = "websocket-source"
)

// Endpoint is one of TCPSourceEndpoint, RemoteExporterEndpoint,
// RemoteClockExporterEndpoint or WebSocketSourceEndpoint.
type Endpoint interface {
	Kind() EndpointKind
	StreamList() []Stream
	isEndpoint()
}

// TCPSourceEndpoint is a TCP writer each declared stream can be read from
type TCPSourceEndpoint struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Streams []Stream `json:"streams"`
}

// RemoteExporterEndpoint is an exporter multiplexing several streams
type RemoteExporterEndpoint struct {
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Transport string   `json:"transport"`
	Streams   []Stream `json:"streams"`
}

// RemoteClockExporterEndpoint exposes the clock of a pipeline
type RemoteClockExporterEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// WebSocketSourceEndpoint is a WebSocket server serving one path per stream
type WebSocketSourceEndpoint struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Secure  bool     `json:"secure"`
	Streams []Stream `json:"streams"`
}

func (TCPSourceEndpoint) Kind() EndpointKind           { return KindTCPSource }
func (RemoteExporterEndpoint) Kind() EndpointKind      { return KindRemoteExporter }
func (RemoteClockExporterEndpoint) Kind() EndpointKind { return KindRemoteClockExporter }
func (WebSocketSourceEndpoint) Kind() EndpointKind     { return KindWebSocketSource }

func (e TCPSourceEndpoint) StreamList() []Stream         { return e.Streams }
func (e RemoteExporterEndpoint) StreamList() []Stream    { return e.Streams }
func (RemoteClockExporterEndpoint) StreamList() []Stream { return nil }
func (e WebSocketSourceEndpoint) StreamList() []Stream   { return e.Streams }

func (TCPSourceEndpoint) isEndpoint()           {}
func (RemoteExporterEndpoint) isEndpoint()      {}
func (RemoteClockExporterEndpoint) isEndpoint() {}
func (WebSocketSourceEndpoint) isEndpoint()     {}

// Process is a named participant and the endpoints it exposes
type Process struct {
	Name      string
	Version   string
	Endpoints []Endpoint
}

// NewProcess creates a process
func NewProcess(name string, endpoints ...Endpoint) Process {
	return Process{Name: name, Endpoints: endpoints}
}

// AddEndpoint appends an endpoint
func (p *Process) AddEndpoint(e Endpoint) {
	p.Endpoints = append(p.Endpoints, e)
}

type wireEndpoint struct {
	Kind EndpointKind    `json:"kind"`
	Body json.RawMessage `json:"endpoint"`
}

type wireProcess struct {
	Name      string         `json:"name"`
	Version   string         `json:"version,omitempty"`
	Endpoints []wireEndpoint `json:"endpoints"`
}

// MarshalJSON tags every endpoint with its kind
func (p Process) MarshalJSON() ([]byte, error) {
	w := wireProcess{Name: p.Name, Version: p.Version, Endpoints: make([]wireEndpoint, 0, len(p.Endpoints))}
	for _, e := range p.Endpoints {
		body, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		w.Endpoints = append(w.Endpoints, wireEndpoint{Kind: e.Kind(), Body: body})
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes tagged endpoints; an unknown kind is an error
func (p *Process) UnmarshalJSON(data []byte) error {
	var w wireProcess
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Name = w.Name
	p.Version = w.Version
	p.Endpoints = make([]Endpoint, 0, len(w.Endpoints))
	for _, we := range w.Endpoints {
		e, err := decodeEndpoint(we)
		if err != nil {
			return err
		}
		p.Endpoints = append(p.Endpoints, e)
	}
	return nil
}

func decodeEndpoint(we wireEndpoint) (Endpoint, error) {
	switch we.Kind {
	case KindTCPSource:
		var e TCPSourceEndpoint
		return e2(json.Unmarshal(we.Body, &e), &e)
	case KindRemoteExporter:
		var e RemoteExporterEndpoint
		return e2(json.Unmarshal(we.Body, &e), &e)
	case KindRemoteClockExporter:
		var e RemoteClockExporterEndpoint
		return e2(json.Unmarshal(we.Body, &e), &e)
	case KindWebSocketSource:
		var e WebSocketSourceEndpoint
		return e2(json.Unmarshal(we.Body, &e), &e)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownEndpoint, we.Kind),
			"Process", "UnmarshalJSON", "decode endpoint")
	}
}

func e2[E Endpoint](err error, e *E) (Endpoint, error) {
	if err != nil {
		return nil, err
	}
	return *e, nil
}
