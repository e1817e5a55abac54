// Package main is the operator CLI of psistreams: it sends and listens to
// commands, lists the processes of a rendezvous and inspects datasets.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "psictl",
	Short: "Operate psistreams pipelines",
	Long: `psictl talks to running psistreams pipelines. It sends commands over a
command channel announced in the rendezvous, prints the commands sent by
another application, lists the processes known by a rendezvous server and
inspects recorded datasets.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), logLevel))
	},
}

var (
	logLevel  string
	relayHost string
	relayPort int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&relayHost, "relay-host", "localhost", "Rendezvous server host")
	rootCmd.PersistentFlags().IntVar(&relayPort, "relay-port", 13331, "Rendezvous server port")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(processesCmd)
	rootCmd.AddCommand(datasetCmd)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// signalContext ends on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
