package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/natsclient"
	"github.com/saacpsi/psistreams/pipeline"
)

// natsCommand is a command published on the NATS command subject
type natsCommand struct {
	Source          string          `json:"source"`
	Command         command.Command `json:"command"`
	Args            string          `json:"args"`
	OriginatingTime time.Time       `json:"originating_time"`
	Seq             int64           `json:"seq"`
}

// natsOptions maps the connection settings onto client options. Zero
// durations keep the client defaults.
func natsOptions(nc config.NATSConfig) []natsclient.ClientOption {
	var opts []natsclient.ClientOption
	if nc.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(nc.Timeout.Std()))
	}
	if nc.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(nc.MaxReconnects))
	}
	if nc.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait.Std()))
	}
	if nc.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(nc.PingInterval.Std()))
	}
	if nc.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(nc.DrainTimeout.Std()))
	}
	if nc.CircuitThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(nc.CircuitThreshold))
	}
	if nc.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(nc.MaxBackoff.Std()))
	}
	switch {
	case nc.Token != "":
		opts = append(opts, natsclient.WithToken(nc.Token))
	case nc.Username != "":
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	return opts
}

// connectNATS dials the server named in the configuration
func (r *RendezvousPipeline) connectNATS(ctx context.Context) (*natsclient.Client, error) {
	var client *natsclient.Client
	opts := append(natsOptions(r.cfg.NATS),
		natsclient.WithName(r.name),
		natsclient.WithLogger(r.logger),
		natsclient.WithMetrics(r.metricsRegistry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				r.logger.Info("NATS connection healthy")
				return
			}
			r.logger.Warn("NATS connection lost", "status", client.Status(), "failures", client.Failures())
		}))
	client, err := natsclient.NewClient(r.cfg.NATS.URL, opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "RendezvousPipeline", "Start", "create NATS client")
	}
	if err := client.Connect(ctx); err != nil {
		return nil, errors.WrapTransient(err, "RendezvousPipeline", "Start", "connect to NATS")
	}
	return client, nil
}

func (r *RendezvousPipeline) commandSubject() string {
	if r.nats == nil {
		return ""
	}
	return r.cfg.NATS.CommandSubject
}

// subscribeCommands hands commands published by other instances to the
// command handler
func (r *RendezvousPipeline) subscribeCommands() error {
	subject := r.commandSubject()
	if subject == "" || r.commandHandler == nil {
		return nil
	}
	if err := r.nats.Subscribe(r.ctx, subject, r.receiveCommand); err != nil {
		return errors.Wrap(err, "RendezvousPipeline", "Start", "subscribe "+subject)
	}
	r.logger.Debug("Listening for NATS commands", "subject", subject)
	return nil
}

func (r *RendezvousPipeline) receiveCommand(_ context.Context, data []byte) {
	if r.ctx.Err() != nil {
		return
	}
	var nc natsCommand
	if err := json.Unmarshal(data, &nc); err != nil {
		r.reportError(errors.WrapInvalid(err, "RendezvousPipeline", "receiveCommand", "decode command"),
			"receive command", "", r.cfg.NATS.CommandSubject)
		return
	}
	if nc.Source == r.name {
		return
	}
	if !nc.Command.Valid() {
		r.reportError(errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnknownCommand, int32(nc.Command)),
			"RendezvousPipeline", "receiveCommand", "validate command"), "receive command", nc.Source, r.cfg.NATS.CommandSubject)
		return
	}
	r.commandHandler(nc.Source, pipeline.Message[command.Message]{
		Data: command.Message{Command: nc.Command, Args: nc.Args},
		Envelope: pipeline.Envelope{
			OriginatingTime: nc.OriginatingTime,
			CreationTime:    time.Now(),
			SequenceID:      nc.Seq,
			SourceID:        nc.Source,
		},
	})
}

// publishCommand sends m on the NATS command subject, when one is configured
func (r *RendezvousPipeline) publishCommand(m command.Message, at time.Time) bool {
	subject := r.commandSubject()
	if subject == "" {
		return false
	}
	data, err := json.Marshal(natsCommand{
		Source:          r.name,
		Command:         m.Command,
		Args:            m.Args,
		OriginatingTime: at,
		Seq:             r.commandSeq.Add(1),
	})
	if err != nil {
		r.logger.Warn("Command not encoded", "command", m.Command, "error", err)
		return false
	}
	if err := r.nats.Publish(r.ctx, subject, data); err != nil {
		r.logger.Warn("Command not published", "command", m.Command, "subject", subject, "error", err)
		return false
	}
	return true
}
