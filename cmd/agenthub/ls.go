package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known sandboxes",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	list := a.sandboxes.List()
	if len(list) == 0 {
		fmt.Println("No sandboxes found.")
		return nil
	}

	// Container state is best effort; the list itself comes from disk.
	states := make(map[string]string)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if containers, err := a.runtime.List(ctx); err != nil {
		slog.Debug("Container state unavailable", "error", err)
	} else {
		for _, c := range containers {
			states[c.AgentID] = c.State
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tNAME\tKIND\tVNC\tBRIDGE\tMESSAGES\tCONTAINER")
	for _, sb := range list {
		state := states[sb.AgentID]
		if state == "" {
			state = "unknown"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			sb.AgentID, sb.DisplayName, sb.Kind, sb.VNCPort, sb.BridgePort, len(sb.MessageIDs), state)
	}
	return w.Flush()
}
