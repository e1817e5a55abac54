package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport/tcp"
)

var listenCmd = &cobra.Command{
	Use:   "listen HOST PORT",
	Short: "Print the commands sent on a command channel",
	Long: `Connects to the command writer at HOST:PORT and prints every command it
sends until interrupted.`,
	Args: cobra.ExactArgs(2),
	RunE: runListen,
}

var sendCmd = &cobra.Command{
	Use:   "send COMMAND TARGET [ARGS]",
	Short: "Send one command to an application",
	Long: `Serves a command channel, announces it to the rendezvous server as
"psictl-Command" and sends COMMAND to TARGET once an application is connected.
TARGET "*" addresses every application. COMMAND is one of Initialize, Run,
Stop, Restart, Close or Status.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSend,
}

var (
	sendPort    int
	sendHost    string
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().IntVar(&sendPort, "port", 0, "Command writer port, 0 picks a free one")
	sendCmd.Flags().StringVar(&sendHost, "host", "localhost", "Host announced for the command writer")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for a listener")
}

func runListen(cmd *cobra.Command, args []string) error {
	var port int
	if _, err := fmt.Sscan(args[1], &port); err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	p := pipeline.New("psictl-listen")
	defer p.Dispose(5 * time.Second)
	src, err := tcp.NewSource(p, tcp.SourceConfig{Host: args[0], Port: port, Stream: command.StreamName}, command.Format())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pipeline.Do(p, src.Out, func(m pipeline.Message[command.Message]) {
		printCommand(out, m)
	})
	if err := p.RunAsync(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	<-ctx.Done()
	return nil
}

func printCommand(w io.Writer, m pipeline.Message[command.Message]) {
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
		m.OriginatingTime.Format(time.RFC3339Nano), m.Data.Command, m.Data.Target(), m.Data.Arguments())
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := command.Parse(args[0])
	if err != nil {
		return err
	}
	var arguments string
	if len(args) == 3 {
		arguments = args[2]
	}

	p := pipeline.New("psictl")
	defer p.Dispose(5 * time.Second)
	commands := pipeline.NewEmitter[command.Message](p, command.StreamName)
	w, err := tcp.NewTypedWriter(p, tcp.WriterConfig{Host: sendHost, Port: sendPort}, commands, "command", command.Format())
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	rdv := rendezvous.New()
	client := rendezvous.NewClient(rdv, rendezvous.ClientConfig{Host: relayHost, Port: relayPort})
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = client.Stop() }()
	rdv.TryAddProcess(rendezvous.NewProcess(command.ProcessName("psictl"), w.Endpoint()))

	replies := make(chan string, 1)
	if c == command.Status {
		watchStatusReplies(p, rdv, replies)
	}
	if err := p.RunAsync(); err != nil {
		return err
	}

	if err := waitFor(ctx, sendTimeout, func() bool { return w.Clients() > 0 }); err != nil {
		return fmt.Errorf("no application connected to the command channel: %w", err)
	}
	if err := commands.Post(command.New(c, args[1], arguments), p.Now()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", c, args[1])

	if c != command.Status {
		// let the writer flush before disposing
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil
	}
	select {
	case reply := <-replies:
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("no status reply within %s", sendTimeout)
	case <-ctx.Done():
		return nil
	}
}

// watchStatusReplies reads the command channels announced by applications
// and forwards the Status replies addressed to psictl
func watchStatusReplies(p *pipeline.Pipeline, rdv *rendezvous.Rendezvous, replies chan<- string) {
	rdv.OnProcessAdded(func(proc rendezvous.Process) {
		if !strings.HasSuffix(proc.Name, "-"+command.StreamName) || strings.HasPrefix(proc.Name, "psictl") {
			return
		}
		for _, ep := range proc.Endpoints {
			e, ok := ep.(rendezvous.TCPSourceEndpoint)
			if !ok {
				continue
			}
			src, err := tcp.NewSource(p, tcp.SourceConfig{Host: e.Host, Port: e.Port, Stream: command.StreamName}, command.Format())
			if err != nil {
				continue
			}
			app := strings.TrimSuffix(proc.Name, "-"+command.StreamName)
			pipeline.Do(p, src.Out, func(m pipeline.Message[command.Message]) {
				if m.Data.Command != command.Status || !m.Data.Accepts("psictl") {
					return
				}
				select {
				case replies <- app + ": " + m.Data.Arguments():
				default:
				}
			})
		}
	})
}

// waitFor polls cond until it holds, timeout elapses or ctx ends
func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return context.DeadlineExceeded
		case <-tick.C:
		}
	}
	return nil
}
