package service

import (
	stderrors "errors"
	"fmt"

	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport/remote"
	"github.com/saacpsi/psistreams/transport/tcp"
)

type openFunc func(res binding.Resolution) (pipeline.Producer, error)

// processAddedData wires the configured topics of every endpoint of a data
// process into its subpipeline, registering and recording each stream.
func (r *RendezvousPipeline) processAddedData(p rendezvous.Process) {
	sub := r.GetOrCreateSubpipeline(p.Name)
	session := r.CreateOrGetSessionFromMode(p.Name)

	wired := 0
	for _, ep := range p.Endpoints {
		switch e := ep.(type) {
		case rendezvous.TCPSourceEndpoint:
			wired += r.wireTopics(sub, p.Name, session, e.Streams, func(res binding.Resolution) (pipeline.Producer, error) {
				return res.Type.OpenTCP(sub, tcp.SourceConfig{Host: e.Host, Port: e.Port, Stream: res.Topic}, res.Serializer)
			})
		case rendezvous.WebSocketSourceEndpoint:
			wired += r.wireTopics(sub, p.Name, session, e.Streams, func(res binding.Resolution) (pipeline.Producer, error) {
				return res.Type.OpenWebSocket(r.ctx, sub, r.ws, e.Host, e.Port, res.Topic, res.Serializer)
			})
		case rendezvous.RemoteExporterEndpoint:
			wired += r.wireRemote(sub, p.Name, session, e)
		}
	}
	r.finishProcess(p.Name, sub, wired, session)
}

// wireTopics opens the streams whose name is a configured topic
func (r *RendezvousPipeline) wireTopics(sub *pipeline.Pipeline, process string, session *dataset.Session, streams []rendezvous.Stream, open openFunc) int {
	pc := r.cfg.Pipeline
	wired := 0
	for _, s := range streams {
		res, ok, err := r.bindings.Resolve(pc.TopicsTypes, pc.TypesSerializers, s.Name)
		if !ok {
			continue
		}
		if err != nil {
			r.reportError(err, "resolve topic", process, s.Name)
			continue
		}
		src, err := open(res)
		if err != nil {
			r.reportError(err, "open stream", process, s.Name)
			continue
		}
		wired += r.wireStream(sub, process, session, s.Name, src, res)
	}
	return wired
}

// wireRemote opens every stream of a remote exporter. An exporter that does
// not answer within the importer timeout is skipped.
func (r *RendezvousPipeline) wireRemote(sub *pipeline.Pipeline, process string, session *dataset.Session, e rendezvous.RemoteExporterEndpoint) int {
	imp, err := remote.Connect(r.ctx, sub, remote.ImporterConfig{
		Host:    e.Host,
		Port:    e.Port,
		Timeout: r.importerTimeout(),
	})
	if err != nil {
		r.reportError(err, "connect remote exporter", process, "")
		return 0
	}
	wired := 0
	for _, s := range imp.Streams() {
		res, err := r.bindings.ResolveType(r.cfg.Pipeline.TypesSerializers, s.Name, s.TypeName)
		if err != nil {
			r.reportError(err, "resolve remote stream", process, s.Name)
			continue
		}
		src, err := res.Type.OpenRemote(imp, sub, s.Name, res.Serializer)
		if err != nil {
			r.reportError(err, "open remote stream", process, s.Name)
			continue
		}
		wired += r.wireStream(sub, process, session, s.Name, src, res)
	}
	return wired
}

// wireStream applies the transformer configured for the stream, if any, and
// registers the result. It returns the number of connectors created.
func (r *RendezvousPipeline) wireStream(sub *pipeline.Pipeline, process string, session *dataset.Session, stream string, src pipeline.Producer, res binding.Resolution) int {
	pc := r.cfg.Pipeline
	record := session != nil && pc.IsStored(stream)
	sessionName := ""
	if session != nil {
		sessionName = session.Name()
	}

	if name, ok := pc.Transformers[stream]; ok {
		t, ok := r.bindings.Transformer(name)
		if !ok {
			r.reportError(errors.WrapFatal(fmt.Errorf("%w: %s for topic %s", errors.ErrUnknownTransformer, name, stream),
				"RendezvousPipeline", "wireStream", "resolve transformer"), "transform", process, stream)
			return 0
		}
		switch t := t.(type) {
		case binding.Simple:
			out, err := t.Apply(sub, stream, src)
			if err != nil {
				r.reportError(err, "transform", process, stream)
				return 0
			}
			if res, err = r.bindings.ResolveType(pc.TypesSerializers, out.Name(), out.TypeName()); err != nil {
				r.reportError(err, "resolve transformed stream", process, stream)
				return 0
			}
			src = out
		case binding.Complex:
			n, err := t.Wire(binding.Wiring{
				Pipeline:   sub,
				Process:    process,
				Stream:     stream,
				Source:     src,
				Session:    session,
				Store:      record,
				Connectors: r.ConnectorManager(),
				Registry:   r.bindings,
				StoreName: func(s string) (string, string) {
					return r.GetStoreName(s, process, sessionName)
				},
				TypesSerializers: pc.TypesSerializers,
			})
			if err != nil {
				r.reportError(err, "transform", process, stream)
			}
			return n
		}
	}

	streamName, storeName := r.GetStoreName(stream, process, sessionName)
	return r.connect(process, streamName, storeName, src, res, session, record)
}

// connect registers src under (store, stream). A pair already registered is
// ignored.
func (r *RendezvousPipeline) connect(process, stream, store string, src pipeline.Producer, res binding.Resolution, session *dataset.Session, record bool) int {
	codec, err := res.Codec()
	if err != nil {
		r.reportError(err, "resolve codec", process, stream)
		return 0
	}
	err = r.ConnectorManager().CreateConnectorAndStore(connector.Info{
		Stream:   stream,
		Store:    store,
		Process:  process,
		TypeName: src.TypeName(),
		Source:   src,
		Codec:    codec,
	}, session, record)
	switch {
	case stderrors.Is(err, errors.ErrDuplicateConnector):
		r.logger.Debug("Connector already registered", "process", process, "store", store, "stream", stream)
		return 0
	case err != nil:
		r.reportError(err, "register connector", process, stream)
		return 0
	}
	return 1
}
