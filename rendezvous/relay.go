package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/transport"
)

// Relay keeps a Rendezvous in sync with other instances. Errors raised
// after Start are reported through the ErrorFunc of the relay config.
type Relay interface {
	Rendezvous() *Rendezvous
	Start(ctx context.Context) error
	Stop() error
	IsActive() bool
}

// ErrorFunc receives relay errors that do not stop the relay
type ErrorFunc func(err error)

const (
	msgAdd    = "add"
	msgRemove = "remove"
)

type relayMessage struct {
	Type    string   `json:"type"`
	Process *Process `json:"process,omitempty"`
	Name    string   `json:"name,omitempty"`
}

func addMessage(p Process) relayMessage {
	return relayMessage{Type: msgAdd, Process: &p}
}

func removeMessage(name string) relayMessage {
	return relayMessage{Type: msgRemove, Name: name}
}

func writeMessage(conn net.Conn, m relayMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return transport.WriteFrame(conn, data)
}

func readMessage(conn net.Conn) (relayMessage, error) {
	var m relayMessage
	data, err := transport.ReadFrame(conn)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "rendezvous", "readMessage", "decode relay message")
	}
	switch {
	case m.Type == msgAdd && m.Process != nil && m.Process.Name != "":
	case m.Type == msgRemove && m.Name != "":
	default:
		return m, errors.WrapInvalid(fmt.Errorf("%w: relay message %q", errors.ErrInvalidData, m.Type), "rendezvous", "readMessage", "validate relay message")
	}
	return m, nil
}
