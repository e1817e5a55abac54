package main

import (
	"log/slog"
	"sync"

	"github.com/saacpsi/psistreams/attention"
	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/groups"
	"github.com/saacpsi/psistreams/pipeline"
)

// streamHost names the store of derived streams and finds recording sessions
type streamHost interface {
	GetStoreName(stream, process, session string) (string, string)
	GetSession(name string) (*dataset.Session, bool)
}

type recordFunc func(info connector.Info, session *dataset.Session) error

// analyzer attaches the group detector and the attention measures to the
// configured topics as their connectors appear, and registers every derived
// stream as a connector recorded in the session of its input.
type analyzer struct {
	groups      config.GroupsConfig
	attention   config.AttentionConfig
	serializers map[string]string
	bindings    *binding.Registry
	host        streamHost
	record      recordFunc
	logger      *slog.Logger

	mu       sync.Mutex
	attached map[string]bool // store/topic
}

func newAnalyzer(cfg *config.Config, bindings *binding.Registry, host streamHost, record recordFunc, logger *slog.Logger) *analyzer {
	return &analyzer{
		groups:      cfg.Groups,
		attention:   cfg.Attention,
		serializers: cfg.Pipeline.TypesSerializers,
		bindings:    bindings,
		host:        host,
		record:      record,
		logger:      logger.With("component", "analysis"),
		attached:    make(map[string]bool),
	}
}

func (a *analyzer) enabled() bool {
	return a.groups.Topic != "" || a.attention.Topic != ""
}

// claim reports whether key was not attached yet and marks it attached
func (a *analyzer) claim(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attached[key] {
		return false
	}
	a.attached[key] = true
	return true
}

func (a *analyzer) onEntry(store string, entry map[string]connector.Info) {
	if a.groups.Topic != "" {
		if info, ok := entry[a.groups.Topic]; ok {
			a.attachGroups(store, info, entry)
		}
	}
	if a.attention.Topic != "" {
		if info, ok := entry[a.attention.Topic]; ok {
			a.attachAttention(store, info)
		}
	}
}

// attachGroups waits for the removed bodies topic too when one is configured
func (a *analyzer) attachGroups(store string, info connector.Info, entry map[string]connector.Info) {
	var removed pipeline.Source[[]uint64]
	if a.groups.RemovedTopic != "" {
		r, ok := entry[a.groups.RemovedTopic]
		if !ok {
			return
		}
		if removed, ok = r.Source.(pipeline.Source[[]uint64]); !ok {
			a.typeMismatch(r, pipeline.TypeName[[]uint64]())
			return
		}
	}
	frames, ok := info.Source.(pipeline.Source[groups.Frame])
	if !ok {
		a.typeMismatch(info, pipeline.TypeName[groups.Frame]())
		return
	}
	if !a.claim(store + "/" + a.groups.Topic) {
		return
	}

	out, err := groups.Attach(info.Source.Owner(), a.groups, frames, removed)
	if err != nil {
		a.logger.Error("Group detection not attached", "store", store, "topic", a.groups.Topic, "error", err)
		return
	}
	a.logger.Info("Group detection attached", "store", store, "topic", a.groups.Topic, "detector", a.groups.Detector)
	a.register(info, out)
}

func (a *analyzer) attachAttention(store string, info connector.Info) {
	gaze, ok := info.Source.(pipeline.Source[attention.GazeSample])
	if !ok {
		a.typeMismatch(info, pipeline.TypeName[attention.GazeSample]())
		return
	}
	if !a.claim(store + "/" + a.attention.Topic) {
		return
	}

	m, err := attention.Attach(info.Source.Owner(), a.attention, gaze)
	if err != nil {
		a.logger.Error("Attention measures not attached", "store", store, "topic", a.attention.Topic, "error", err)
		return
	}
	a.logger.Info("Attention measures attached", "store", store, "topic", a.attention.Topic)
	for _, out := range m.Producers() {
		a.register(info, out)
	}
}

func (a *analyzer) typeMismatch(info connector.Info, want string) {
	a.logger.Warn("Analysis topic has an unexpected type",
		"store", info.Store, "stream", info.Stream, "type", info.Source.TypeName(), "want", want)
}

// register records out next to the input it derives from
func (a *analyzer) register(input connector.Info, out pipeline.Producer) {
	res, err := a.bindings.ResolveType(a.serializers, out.Name(), out.TypeName())
	if err != nil {
		a.logger.Warn("Derived stream not registered", "stream", out.Name(), "error", err)
		return
	}
	codec, err := res.Codec()
	if err != nil {
		a.logger.Warn("Derived stream not registered", "stream", out.Name(), "error", err)
		return
	}

	var session *dataset.Session
	if input.Session != "" {
		session, _ = a.host.GetSession(input.Session)
	}
	stream, store := a.host.GetStoreName(out.Name(), input.Process, input.Session)
	err = a.record(connector.Info{
		Stream:   stream,
		Store:    store,
		Process:  input.Process,
		TypeName: out.TypeName(),
		Source:   out,
		Codec:    codec,
	}, session)
	if err != nil {
		a.logger.Warn("Derived stream not registered", "stream", stream, "store", store, "error", err)
	}
}
