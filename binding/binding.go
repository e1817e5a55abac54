// Package binding is the compile-time registry of stream types. A topic
// declared by a remote process is resolved to a Type through the configured
// type and serializer names, and the Type builds the typed transport stage
// for it. Transformers are registered the same way, by name.
package binding

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/transport/remote"
	"github.com/saacpsi/psistreams/transport/tcp"
	"github.com/saacpsi/psistreams/transport/websocket"
)

// PostFunc decodes a payload and posts it
type PostFunc func(payload []byte) error

// Type builds the typed stages of one stream type
type Type interface {
	// Name is the runtime type name streams are declared with
	Name() string
	// Serializers lists the serializer names, the first being the default
	Serializers() []string
	Codec(serializer string) (format.Codec, error)

	OpenTCP(p *pipeline.Pipeline, cfg tcp.SourceConfig, serializer string) (pipeline.Producer, error)
	OpenWebSocket(ctx context.Context, p *pipeline.Pipeline, m *websocket.Manager, remote string, port int, topic, serializer string) (pipeline.Producer, error)
	OpenRemote(imp *remote.Importer, p *pipeline.Pipeline, stream, serializer string) (pipeline.Producer, error)
	// Emitter creates a stream in p fed with encoded payloads
	Emitter(p *pipeline.Pipeline, name, serializer string) (pipeline.Producer, PostFunc, error)
}

type typed[T any] struct {
	name    string
	order   []string
	formats map[string]format.Format[T]
}

func (b *typed[T]) Name() string { return b.name }

func (b *typed[T]) Serializers() []string { return slices.Clone(b.order) }

func (b *typed[T]) format(serializer string) (format.Format[T], error) {
	f, ok := b.formats[serializer]
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %s has no serializer %q", errors.ErrMissingSerializer, b.name, serializer),
			"binding", "Type", "resolve serializer")
	}
	return f, nil
}

func (b *typed[T]) Codec(serializer string) (format.Codec, error) {
	f, err := b.format(serializer)
	if err != nil {
		return nil, err
	}
	return format.Erase(serializer, f), nil
}

func (b *typed[T]) OpenTCP(p *pipeline.Pipeline, cfg tcp.SourceConfig, serializer string) (pipeline.Producer, error) {
	f, err := b.format(serializer)
	if err != nil {
		return nil, err
	}
	src, err := tcp.NewSource(p, cfg, f)
	if err != nil {
		return nil, err
	}
	return src.Out, nil
}

func (b *typed[T]) OpenWebSocket(ctx context.Context, p *pipeline.Pipeline, m *websocket.Manager, remoteName string, port int, topic, serializer string) (pipeline.Producer, error) {
	f, err := b.format(serializer)
	if err != nil {
		return nil, err
	}
	src, err := websocket.NewSource(ctx, p, m, remoteName, port, topic, f)
	if err != nil {
		return nil, err
	}
	return src.Out, nil
}

func (b *typed[T]) OpenRemote(imp *remote.Importer, p *pipeline.Pipeline, stream, serializer string) (pipeline.Producer, error) {
	f, err := b.format(serializer)
	if err != nil {
		return nil, err
	}
	return remote.Open(imp, p, stream, f)
}

func (b *typed[T]) Emitter(p *pipeline.Pipeline, name, serializer string) (pipeline.Producer, PostFunc, error) {
	f, err := b.format(serializer)
	if err != nil {
		return nil, nil, err
	}
	out := pipeline.NewEmitter[T](p, name)
	post := func(payload []byte) error {
		v, t, err := format.Decode(f, payload)
		if err != nil {
			return err
		}
		return out.Post(v, t)
	}
	return out, post, nil
}

// Serializer pairs a serializer name with its format
type Serializer[T any] struct {
	Name   string
	Format format.Format[T]
}

// Registry maps type names to Types and names to Transformers
type Registry struct {
	mu           sync.RWMutex
	types        map[string]Type
	transformers map[string]Transformer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		types:        make(map[string]Type),
		transformers: make(map[string]Transformer),
	}
}

// Register binds T, under its runtime type name, to its serializers. The
// first serializer is the default of the type.
func Register[T any](r *Registry, serializers ...Serializer[T]) error {
	name := pipeline.TypeName[T]()
	if len(serializers) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMissingSerializer, name), "binding", "Register", "register type")
	}
	b := &typed[T]{name: name, formats: make(map[string]format.Format[T])}
	for _, s := range serializers {
		b.order = append(b.order, s.Name)
		b.formats[s.Name] = s.Format
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("type %s already registered", name), "binding", "Register", "register type")
	}
	r.types[name] = b
	return nil
}

// MustRegister is Register for package initialization; it panics on error
func MustRegister[T any](r *Registry, serializers ...Serializer[T]) {
	if err := Register(r, serializers...); err != nil {
		panic(err)
	}
}

// Type returns the binding of a type name
func (r *Registry) Type(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Types returns the registered type names, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.types))
}

// Resolution is a topic resolved to its type and serializer
type Resolution struct {
	Topic      string
	Type       Type
	Serializer string
}

// Codec returns the codec of the resolution
func (res Resolution) Codec() (format.Codec, error) {
	return res.Type.Codec(res.Serializer)
}

// Resolve maps a configured topic to its Type and serializer. A topic
// without a configured type reports ok false. A configured type without a
// registered binding, or without a serializer, is a fatal configuration error.
func (r *Registry) Resolve(topicsTypes, typesSerializers map[string]string, topic string) (Resolution, bool, error) {
	typeName, ok := topicsTypes[topic]
	if !ok {
		return Resolution{}, false, nil
	}
	t, ok := r.Type(typeName)
	if !ok {
		return Resolution{}, true, errors.WrapFatal(fmt.Errorf("%w: %s for topic %s", errors.ErrUnknownTopicType, typeName, topic),
			"binding", "Resolve", "resolve topic")
	}
	serializer, ok := typesSerializers[typeName]
	if !ok {
		return Resolution{}, true, errors.WrapFatal(fmt.Errorf("%w: %s for topic %s", errors.ErrMissingSerializer, typeName, topic),
			"binding", "Resolve", "resolve serializer")
	}
	if !slices.Contains(t.Serializers(), serializer) {
		return Resolution{}, true, errors.WrapFatal(fmt.Errorf("%w: %s has no serializer %q", errors.ErrMissingSerializer, typeName, serializer),
			"binding", "Resolve", "resolve serializer")
	}
	return Resolution{Topic: topic, Type: t, Serializer: serializer}, true, nil
}

// ResolveType maps a declared type name to its Type, using the configured
// serializer of the type or else its default one.
func (r *Registry) ResolveType(typesSerializers map[string]string, stream, typeName string) (Resolution, error) {
	t, ok := r.Type(typeName)
	if !ok {
		return Resolution{}, errors.WrapInvalid(fmt.Errorf("%w: %s for stream %s", errors.ErrUnknownTopicType, typeName, stream),
			"binding", "ResolveType", "resolve type")
	}
	serializer, ok := typesSerializers[typeName]
	if !ok {
		serializer = t.Serializers()[0]
	}
	if !slices.Contains(t.Serializers(), serializer) {
		return Resolution{}, errors.WrapFatal(fmt.Errorf("%w: %s has no serializer %q", errors.ErrMissingSerializer, typeName, serializer),
			"binding", "ResolveType", "resolve serializer")
	}
	return Resolution{Topic: stream, Type: t, Serializer: serializer}, nil
}

// Validate resolves every configured topic and transformer, returning the
// first configuration error.
func (r *Registry) Validate(topicsTypes, typesSerializers, transformers map[string]string) error {
	for _, topic := range slices.Sorted(maps.Keys(topicsTypes)) {
		if _, _, err := r.Resolve(topicsTypes, typesSerializers, topic); err != nil {
			return err
		}
	}
	for _, topic := range slices.Sorted(maps.Keys(transformers)) {
		if _, ok := r.Transformer(transformers[topic]); !ok {
			return errors.WrapFatal(fmt.Errorf("%w: %s for topic %s", errors.ErrUnknownTransformer, transformers[topic], topic),
				"binding", "Validate", "resolve transformer")
		}
	}
	return nil
}
