package binding

import (
	"fmt"

	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/pipeline"
)

// Transformer is either a Simple or a Complex transformer
type Transformer interface {
	TransformerName() string
	isTransformer()
}

// Simple maps one stream to a new stream. The output is registered and
// recorded in place of the source.
type Simple struct {
	Name  string
	Apply func(p *pipeline.Pipeline, name string, src pipeline.Producer) (pipeline.Producer, error)
}

// Wiring is what a Complex transformer receives: the process subpipeline
// with its source, and everything needed to register connectors and stores.
type Wiring struct {
	Pipeline   *pipeline.Pipeline
	Process    string
	Stream     string
	Source     pipeline.Producer
	Session    *dataset.Session // nil when not recording
	Store      bool
	Connectors *connector.Manager
	Registry   *Registry
	// StoreName maps an output stream to its stream and store names
	StoreName func(stream string) (string, string)
	// TypesSerializers holds the configured serializer of each type
	TypesSerializers map[string]string
}

// Connect registers out as a connector and records it when the wiring records
func (w Wiring) Connect(out pipeline.Producer) error {
	res, err := w.Registry.ResolveType(w.TypesSerializers, out.Name(), out.TypeName())
	if err != nil {
		return err
	}
	codec, err := res.Codec()
	if err != nil {
		return err
	}
	stream, store := w.StoreName(out.Name())
	return w.Connectors.CreateConnectorAndStore(connector.Info{
		Stream:   stream,
		Store:    store,
		Process:  w.Process,
		TypeName: out.TypeName(),
		Source:   out,
		Codec:    codec,
	}, w.Session, w.Store)
}

// Complex takes over the wiring of a stream and reports how many connectors
// it created.
type Complex struct {
	Name string
	Wire func(w Wiring) (int, error)
}

func (s Simple) TransformerName() string  { return s.Name }
func (c Complex) TransformerName() string { return c.Name }

func (Simple) isTransformer()  {}
func (Complex) isTransformer() {}

// Map builds a Simple transformer applying fn to every value of a T stream
func Map[T, U any](name string, fn func(T) U) Simple {
	return Simple{
		Name: name,
		Apply: func(p *pipeline.Pipeline, stream string, src pipeline.Producer) (pipeline.Producer, error) {
			typedSrc, ok := src.(pipeline.Source[T])
			if !ok {
				return nil, errors.WrapFatal(
					fmt.Errorf("%w: %s expects %s, got %s", errors.ErrUnknownTransformer, name, pipeline.TypeName[T](), src.TypeName()),
					"binding", "Map", "apply to "+stream)
			}
			return pipeline.Map(p, typedSrc, stream, func(v T, _ pipeline.Envelope) U { return fn(v) }), nil
		},
	}
}

// RegisterTransformer adds t under its name
func (r *Registry) RegisterTransformer(t Transformer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transformers[t.TransformerName()]; exists {
		return errors.WrapInvalid(fmt.Errorf("transformer %s already registered", t.TransformerName()),
			"binding", "RegisterTransformer", "register")
	}
	r.transformers[t.TransformerName()] = t
	return nil
}

// Transformer returns a transformer by name
func (r *Registry) Transformer(name string) (Transformer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[name]
	return t, ok
}
