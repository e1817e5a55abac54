// Package command defines the remote command protocol used to drive
// applications attached to a rendezvous: the command enum, the wire format
// and the addressing rule.
package command

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
)

// Command is the action requested from an application
type Command int32

// Commands
const (
	Initialize Command = iota
	Run
	Stop
	Restart
	Close
	Status
)

const (
	// StreamName is the stream carrying commands in a command process
	StreamName = "Command"
	// Wildcard addresses every application
	Wildcard = "*"
	// Separator splits the argument fields
	Separator = ";"
)

var names = [...]string{"Initialize", "Run", "Stop", "Restart", "Close", "Status"}

// String returns the command name
func (c Command) String() string {
	if c < 0 || int(c) >= len(names) {
		return fmt.Sprintf("Command(%d)", int32(c))
	}
	return names[c]
}

// Valid reports whether c is a known command
func (c Command) Valid() bool {
	return c >= Initialize && c <= Status
}

// Parse returns the command with the given name, case-insensitively
func Parse(s string) (Command, error) {
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return Command(i), nil
		}
	}
	return 0, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownCommand, s), "command", "Parse", "parse")
}

// Message is a command with its argument string. Args holds
// "{target};{arguments}" fields.
type Message struct {
	Command Command
	Args    string
}

// New addresses a command to target
func New(c Command, target, args string) Message {
	return Message{Command: c, Args: target + Separator + args}
}

// Fields splits the argument string
func (m Message) Fields() []string {
	return strings.Split(m.Args, Separator)
}

// Target returns the first argument field
func (m Message) Target() string {
	target, _, _ := strings.Cut(m.Args, Separator)
	return target
}

// Arguments returns everything after the target
func (m Message) Arguments() string {
	_, rest, _ := strings.Cut(m.Args, Separator)
	return rest
}

// Accepts reports whether application app must act on m
func (m Message) Accepts(app string) bool {
	target := m.Target()
	return target == Wildcard || target == app
}

// ProcessName is the rendezvous process announcing the command channel of app
func ProcessName(app string) string {
	return app + "-" + StreamName
}

// StatusReply is the answer of an application to Status
func StatusReply(running bool) string {
	if running {
		return "Running"
	}
	return "Waiting"
}

// Format is int32 command, int32 length, UTF-8 argument, all little-endian
func Format() format.Format[Message] {
	return format.Funcs[Message]{
		MarshalFunc: func(m Message) ([]byte, error) {
			buf := make([]byte, 0, 8+len(m.Args))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Command))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Args)))
			return append(buf, m.Args...), nil
		},
		UnmarshalFunc: func(data []byte) (Message, error) {
			if len(data) < 8 {
				return Message{}, fmt.Errorf("%w: command frame of %d bytes", errors.ErrInvalidData, len(data))
			}
			c := Command(int32(binary.LittleEndian.Uint32(data)))
			n := int(binary.LittleEndian.Uint32(data[4:]))
			if n < 0 || 8+n > len(data) {
				return Message{}, fmt.Errorf("%w: argument length %d exceeds frame", errors.ErrInvalidData, n)
			}
			if !c.Valid() {
				return Message{}, fmt.Errorf("%w: %d", errors.ErrUnknownCommand, int32(c))
			}
			return Message{Command: c, Args: string(data[8 : 8+n])}, nil
		},
	}
}
