package format

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/errors"
)

// Codec is a Format with its type erased, for stores and re-exporters that
// only learn the element type at wiring time.
type Codec interface {
	Name() string
	TypeName() string
	Encode(v any, t time.Time) ([]byte, error)
	Decode(payload []byte) (any, time.Time, error)
}

type erased[T any] struct {
	name     string
	typeName string
	format   Format[T]
}

// Erase wraps f as a Codec registered under name
func Erase[T any](name string, f Format[T]) Codec {
	return &erased[T]{name: name, typeName: reflect.TypeFor[T]().String(), format: f}
}

func (e *erased[T]) Name() string     { return e.name }
func (e *erased[T]) TypeName() string { return e.typeName }

func (e *erased[T]) Encode(v any, t time.Time) ([]byte, error) {
	typed, ok := v.(T)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %T is not %s", errors.ErrInvalidData, v, e.typeName),
			"Codec", "Encode", e.name)
	}
	return Encode(e.format, typed, t)
}

func (e *erased[T]) Decode(payload []byte) (any, time.Time, error) {
	return Decode(e.format, payload)
}

// Registry maps serializer names to codecs
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Builtin returns a registry holding the built-in formats
func Builtin() *Registry {
	r := NewRegistry()
	for _, c := range []Codec{
		Erase("bool", Bool()),
		Erase("int32", Int32()),
		Erase("int64", Int64()),
		Erase("float64", Float64()),
		Erase("string", String()),
		Erase("bytes", Bytes()),
		Erase("vec3", Vec3()),
		Erase("vec2", Vec2()),
		Erase("pose", PoseFormat()),
	} {
		_ = r.Register(c)
	}
	return r
}

// Register adds c; a second codec under the same name is rejected
func (r *Registry) Register(c Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[c.Name()]; exists {
		return errors.WrapInvalid(fmt.Errorf("codec %q already registered", c.Name()),
			"Registry", "Register", "register codec")
	}
	r.codecs[c.Name()] = c
	return nil
}

// Get returns a codec by serializer name
func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

// Names returns the registered serializer names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
