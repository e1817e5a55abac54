package rendezvous

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/natsclient"
)

const fromNATS origin = "nats"

// NATSConfig configures the NATS key-value relay
type NATSConfig struct {
	Client  *natsclient.Client
	Bucket  string
	Logger  *slog.Logger
	Metrics *metric.Metrics
	OnError ErrorFunc
}

// NATSRelay shares processes through a JetStream key-value bucket: one key
// per process, holding its JSON. Every instance watches the bucket, so there
// is no server role. Keys of local processes are deleted on Stop.
type NATSRelay struct {
	rdv    *Rendezvous
	cfg    NATSConfig
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	kv     *natsclient.KVStore
	owned  map[string]bool
	remote map[string]bool
	cancel context.CancelFunc
	done   chan struct{}

	active atomic.Bool
}

// NewNATSRelay creates a relay of rdv over cfg.Bucket
func NewNATSRelay(rdv *Rendezvous, cfg NATSConfig) *NATSRelay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &NATSRelay{
		rdv:    rdv,
		cfg:    cfg,
		logger: logger.With("component", "rendezvous-nats", "bucket", cfg.Bucket),
		owned:  make(map[string]bool),
		remote: make(map[string]bool),
	}
	rdv.listen(&rdv.added, func(p Process, from origin) {
		if from == local {
			r.publish(p)
		}
	})
	rdv.listen(&rdv.removed, func(p Process, from origin) {
		if from == local {
			r.unpublish(p.Name)
		}
	})
	return r
}

// KeyOf returns the bucket key of a process name
func KeyOf(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func nameOf(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	return string(b), err
}

// Rendezvous returns the relayed registry
func (r *NATSRelay) Rendezvous() *Rendezvous { return r.rdv }

// IsActive reports whether the relay is watching the bucket
func (r *NATSRelay) IsActive() bool { return r.active.Load() }

// Start opens the bucket, publishes the local processes and watches the bucket
func (r *NATSRelay) Start(ctx context.Context) error {
	if r.cfg.Client == nil || r.cfg.Bucket == "" {
		return errors.WrapFatal(errors.ErrInvalidConfig, "rendezvous.NATSRelay", "Start", "validate client and bucket")
	}
	if !r.active.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "rendezvous.NATSRelay", "Start", "start relay")
	}
	bucket, err := r.cfg.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      r.cfg.Bucket,
		Description: "rendezvous processes",
	})
	if err != nil {
		r.active.Store(false)
		return errors.Wrap(err, "rendezvous.NATSRelay", "Start", "open bucket")
	}
	runCtx, cancel := context.WithCancel(ctx)
	kv := r.cfg.Client.NewKVStore(bucket)
	watcher, err := kv.Watch(runCtx, ">")
	if err != nil {
		cancel()
		r.active.Store(false)
		return err
	}

	r.mu.Lock()
	r.ctx = runCtx
	r.kv = kv
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	for _, p := range r.rdv.Processes() {
		r.mu.Lock()
		fromRemote := r.remote[p.Name]
		r.mu.Unlock()
		if !fromRemote {
			r.publish(p)
		}
	}

	go func() {
		defer close(done)
		defer func() { _ = watcher.Stop() }()
		r.watch(runCtx, watcher)
	}()
	r.logger.Info("NATS rendezvous relay started")
	return nil
}

// Stop deletes the keys of local processes and stops watching
func (r *NATSRelay) Stop() error {
	if !r.active.CompareAndSwap(true, false) {
		return nil
	}
	r.mu.Lock()
	kv, cancel, done := r.kv, r.cancel, r.done
	r.kv = nil
	owned := make([]string, 0, len(r.owned))
	for key := range r.owned {
		owned = append(owned, key)
	}
	r.owned = make(map[string]bool)
	r.mu.Unlock()

	ctx, cleanup := context.WithTimeout(context.Background(), 5*time.Second)
	defer cleanup()
	var errs []error
	for _, key := range owned {
		if err := kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
			errs = append(errs, err)
		}
	}
	cancel()
	<-done
	return stderrors.Join(errs...)
}

func (r *NATSRelay) watch(ctx context.Context, watcher jetstream.KeyWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			r.apply(entry)
		}
	}
}

func (r *NATSRelay) apply(entry jetstream.KeyValueEntry) {
	key := entry.Key()
	r.mu.Lock()
	own := r.owned[key]
	r.mu.Unlock()
	if own {
		return
	}

	switch entry.Operation() {
	case jetstream.KeyValuePut:
		var p Process
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			r.report(errors.WrapInvalid(err, "rendezvous.NATSRelay", "apply", "decode "+key))
			return
		}
		r.mu.Lock()
		r.remote[p.Name] = true
		r.mu.Unlock()
		if !r.rdv.add(p, fromNATS) {
			r.mu.Lock()
			delete(r.remote, p.Name)
			r.mu.Unlock()
		}
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		name, err := nameOf(key)
		if err != nil {
			return
		}
		r.mu.Lock()
		known := r.remote[name]
		delete(r.remote, name)
		r.mu.Unlock()
		if known {
			r.rdv.remove(name, fromNATS)
		}
	}
}

func (r *NATSRelay) publish(p Process) {
	r.mu.Lock()
	kv, ctx := r.kv, r.ctx
	r.mu.Unlock()
	if kv == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		r.report(errors.WrapInvalid(err, "rendezvous.NATSRelay", "publish", "encode "+p.Name))
		return
	}
	key := KeyOf(p.Name)
	r.mu.Lock()
	r.owned[key] = true
	r.mu.Unlock()
	if _, err := kv.Create(ctx, key, data); err != nil {
		r.mu.Lock()
		delete(r.owned, key)
		r.mu.Unlock()
		if natsclient.IsKVConflictError(err) {
			// another instance holds the name
			r.report(errors.WrapInvalid(err, "rendezvous.NATSRelay", "publish", "announce "+p.Name))
			return
		}
		r.report(errors.Wrap(err, "rendezvous.NATSRelay", "publish", "create "+p.Name))
		return
	}
	r.cfg.Metrics.RecordFrameSent("relay", "nats")
}

func (r *NATSRelay) unpublish(name string) {
	key := KeyOf(name)
	r.mu.Lock()
	kv, ctx := r.kv, r.ctx
	own := r.owned[key]
	delete(r.owned, key)
	r.mu.Unlock()
	if kv == nil || !own {
		return
	}
	if err := kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
		r.report(errors.Wrap(err, "rendezvous.NATSRelay", "unpublish", "delete "+name))
	}
}

func (r *NATSRelay) report(err error) {
	r.logger.Warn("Relay error", "error", err)
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}
