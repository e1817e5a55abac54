package service

import (
	"fmt"
	"maps"
	"slices"

	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport/remote"
	"github.com/saacpsi/psistreams/transport/tcp"
)

// exportable lists the connectors that can be re-exported, ordered by store
// then stream. The connectors of the exporting process itself are skipped.
func (r *RendezvousPipeline) exportable(process string) []connector.Info {
	var out []connector.Info
	connectors := r.Connectors()
	for _, store := range slices.Sorted(maps.Keys(connectors)) {
		entry := connectors[store]
		for _, stream := range slices.Sorted(maps.Keys(entry)) {
			info := entry[stream]
			if info.Codec == nil || info.Source == nil || info.Process == process {
				continue
			}
			out = append(out, info)
		}
	}
	return out
}

func (r *RendezvousPipeline) markExported(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exported[name] = true
}

// GenerateTCPProcessFromConnectors serves every connector on a TCP writer of
// its own, on consecutive ports from startPort (0 picks free ports), and
// announces them as one process.
func (r *RendezvousPipeline) GenerateTCPProcessFromConnectors(name string, startPort int) (rendezvous.Process, error) {
	infos := r.exportable(name)
	if len(infos) == 0 {
		return rendezvous.Process{}, errors.WrapInvalid(fmt.Errorf("%w: no connector to export", errors.ErrInvalidData),
			"RendezvousPipeline", "GenerateTCPProcessFromConnectors", "export "+name)
	}
	p := r.Pipeline()
	proc := rendezvous.NewProcess(name)
	port := startPort
	for _, info := range infos {
		w, err := tcp.NewWriter(p, tcp.WriterConfig{Host: r.cfg.Pipeline.RendezVousHost, Port: port}, info.Source, info.Codec)
		if err != nil {
			return proc, err
		}
		proc.AddEndpoint(w.Endpoint())
		if startPort != 0 {
			port++
		}
	}
	r.markExported(name)
	if !r.AddProcess(proc) {
		return proc, errors.WrapInvalid(fmt.Errorf("process %s not announced", name),
			"RendezvousPipeline", "GenerateTCPProcessFromConnectors", "announce "+name)
	}
	r.logger.Info("Connectors exported over TCP", "process", name, "streams", len(proc.Endpoints))
	return proc, nil
}

// GenerateRemoteProcessFromConnectors exports every connector through one
// remote exporter on port and announces it as a process. Streams sharing a
// name are exported once.
func (r *RendezvousPipeline) GenerateRemoteProcessFromConnectors(name string, port int) (rendezvous.Process, error) {
	infos := r.exportable(name)
	if len(infos) == 0 {
		return rendezvous.Process{}, errors.WrapInvalid(fmt.Errorf("%w: no connector to export", errors.ErrInvalidData),
			"RendezvousPipeline", "GenerateRemoteProcessFromConnectors", "export "+name)
	}
	exp, err := remote.NewExporter(r.Pipeline(), remote.ExporterConfig{Host: r.cfg.Pipeline.RendezVousHost, Port: port})
	if err != nil {
		return rendezvous.Process{}, err
	}
	for _, info := range infos {
		if err := exp.AddStream(info.Source, info.Codec); err != nil {
			r.logger.Warn("Stream not exported", "store", info.Store, "stream", info.Stream, "error", err)
		}
	}
	proc := rendezvous.NewProcess(name, exp.Endpoint())
	r.markExported(name)
	if !r.AddProcess(proc) {
		return proc, errors.WrapInvalid(fmt.Errorf("process %s not announced", name),
			"RendezvousPipeline", "GenerateRemoteProcessFromConnectors", "announce "+name)
	}
	r.logger.Info("Connectors exported", "process", name, "port", exp.Port())
	return proc, nil
}
