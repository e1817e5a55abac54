package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/rendezvous"
)

var processesCmd = &cobra.Command{
	Use:   "processes",
	Short: "List the processes known by a rendezvous server",
	Long: `Connects to the rendezvous server, waits for its process list and prints
every process with its endpoints and streams.`,
	Args: cobra.NoArgs,
	RunE: runProcesses,
}

var datasetCmd = &cobra.Command{
	Use:   "dataset PATH",
	Short: "List the sessions, stores and streams of a dataset",
	Long: `Reads the dataset manifest at PATH and prints every session, the stores it
recorded and, for each store, its streams with their type, serializer,
message count and time range.`,
	Args: cobra.ExactArgs(1),
	RunE: runDataset,
}

var (
	processesWait time.Duration
	jsonOutput    bool
)

func init() {
	processesCmd.Flags().DurationVar(&processesWait, "wait", 2*time.Second, "How long to collect processes")
	processesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	datasetCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func runProcesses(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rdv := rendezvous.New()
	client := rendezvous.NewClient(rdv, rendezvous.ClientConfig{Host: relayHost, Port: relayPort})
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = client.Stop() }()

	select {
	case <-time.After(processesWait):
	case <-ctx.Done():
		return nil
	}
	if !client.Connected() {
		return fmt.Errorf("rendezvous server %s:%d not reachable", relayHost, relayPort)
	}

	processes := rdv.Processes()
	slices.SortFunc(processes, func(a, b rendezvous.Process) int { return strings.Compare(a.Name, b.Name) })
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), processes)
	}
	printProcesses(cmd.OutOrStdout(), processes)
	return nil
}

func printProcesses(w io.Writer, processes []rendezvous.Process) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROCESS\tENDPOINT\tADDRESS\tSTREAMS")
	for _, p := range processes {
		if len(p.Endpoints) == 0 {
			_, _ = fmt.Fprintf(tw, "%s\t-\t-\t-\n", p.Name)
		}
		for _, ep := range p.Endpoints {
			var names []string
			for _, s := range ep.StreamList() {
				names = append(names, s.Name+":"+s.TypeName)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, ep.Kind(), address(ep), strings.Join(names, ","))
		}
	}
	_ = tw.Flush()
}

func address(ep rendezvous.Endpoint) string {
	switch e := ep.(type) {
	case rendezvous.TCPSourceEndpoint:
		return fmt.Sprintf("%s:%d", e.Host, e.Port)
	case rendezvous.RemoteExporterEndpoint:
		return fmt.Sprintf("%s:%d/%s", e.Host, e.Port, e.Transport)
	case rendezvous.RemoteClockExporterEndpoint:
		return fmt.Sprintf("%s:%d", e.Host, e.Port)
	case rendezvous.WebSocketSourceEndpoint:
		scheme := "ws"
		if e.Secure {
			scheme = "wss"
		}
		return fmt.Sprintf("%s://%s:%d", scheme, e.Host, e.Port)
	default:
		return "-"
	}
}

type streamSummary struct {
	Name       string    `json:"name"`
	TypeName   string    `json:"type"`
	Serializer string    `json:"serializer"`
	Count      int64     `json:"count"`
	First      time.Time `json:"first,omitzero"`
	Last       time.Time `json:"last,omitzero"`
}

type storeSummary struct {
	Name    string          `json:"name"`
	Path    string          `json:"path"`
	Error   string          `json:"error,omitempty"`
	Streams []streamSummary `json:"streams"`
}

type sessionSummary struct {
	Name   string         `json:"name"`
	Stores []storeSummary `json:"stores"`
}

func runDataset(cmd *cobra.Command, args []string) error {
	ds, err := dataset.Load(args[0])
	if err != nil {
		return err
	}
	sessions := summarize(cmd, ds)
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), sessions)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "dataset %s (%s)\n", ds.Name(), ds.ID())
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%s\n", s.Name)
		for _, st := range s.Stores {
			if st.Error != "" {
				_, _ = fmt.Fprintf(tw, "  %s\tunreadable: %s\n", st.Name, st.Error)
				continue
			}
			_, _ = fmt.Fprintf(tw, "  %s\n", st.Name)
			for _, sm := range st.Streams {
				_, _ = fmt.Fprintf(tw, "    %s\t%s\t%s\t%d\t%s\t%s\n", sm.Name, sm.TypeName, sm.Serializer, sm.Count,
					formatTime(sm.First), formatTime(sm.Last))
			}
		}
	}
	return tw.Flush()
}

func summarize(cmd *cobra.Command, ds *dataset.Dataset) []sessionSummary {
	var out []sessionSummary
	for _, s := range ds.Sessions() {
		ss := sessionSummary{Name: s.Name()}
		for _, p := range s.Partitions() {
			ss.Stores = append(ss.Stores, summarizeStore(cmd, p))
		}
		out = append(out, ss)
	}
	return out
}

func summarizeStore(cmd *cobra.Command, p dataset.Partition) storeSummary {
	sum := storeSummary{Name: p.StoreName, Path: p.StorePath}
	st, err := dataset.OpenStore(p.StoreName, p.StorePath)
	if err != nil {
		sum.Error = err.Error()
		return sum
	}
	defer st.Close()

	streams, err := st.Streams(cmd.Context())
	if err != nil {
		sum.Error = err.Error()
		return sum
	}
	for _, info := range streams {
		sum.Streams = append(sum.Streams, streamSummary{
			Name:       info.Name,
			TypeName:   info.TypeName,
			Serializer: info.Serializer,
			Count:      info.Count,
			First:      info.First,
			Last:       info.Last,
		})
	}
	return sum
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339Nano)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
