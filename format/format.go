// Package format defines the wire formats of typed streams. A payload is
// the originating time as int64 little-endian unix nanoseconds followed by
// the serialized datum.
package format

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/saacpsi/psistreams/errors"
)

// TimeSize is the size of the time prefix of a payload
const TimeSize = 8

// Format serializes values of one type
type Format[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Funcs adapts a pair of functions to a Format
type Funcs[T any] struct {
	MarshalFunc   func(T) ([]byte, error)
	UnmarshalFunc func([]byte) (T, error)
}

// Marshal implements Format
func (f Funcs[T]) Marshal(v T) ([]byte, error) { return f.MarshalFunc(v) }

// Unmarshal implements Format
func (f Funcs[T]) Unmarshal(data []byte) (T, error) { return f.UnmarshalFunc(data) }

// Encode builds a payload from a value and its originating time
func Encode[T any](f Format[T], v T, t time.Time) ([]byte, error) {
	data, err := f.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "format", "Encode", "marshal")
	}
	payload := make([]byte, TimeSize+len(data))
	binary.LittleEndian.PutUint64(payload, uint64(t.UnixNano()))
	copy(payload[TimeSize:], data)
	return payload, nil
}

// Decode splits a payload into its value and originating time
func Decode[T any](f Format[T], payload []byte) (T, time.Time, error) {
	var zero T
	if len(payload) < TimeSize {
		return zero, time.Time{}, errors.WrapInvalid(
			fmt.Errorf("%w: payload of %d bytes", errors.ErrInvalidData, len(payload)),
			"format", "Decode", "read time")
	}
	t := time.Unix(0, int64(binary.LittleEndian.Uint64(payload)))
	v, err := f.Unmarshal(payload[TimeSize:])
	if err != nil {
		return zero, time.Time{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "format", "Decode", "unmarshal")
	}
	return v, t, nil
}

func needLen(data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("%w: want %d bytes, got %d", errors.ErrInvalidData, n, len(data))
	}
	return nil
}
