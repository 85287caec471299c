package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeContainers bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every sandbox and message",
	Long: `clear deletes the sandbox list and the message map. Containers are left
running unless --containers is given. Stop the server first: a running
server keeps its in-memory state and rewrites the documents.`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().BoolVar(&removeContainers, "containers", false, "Also force-remove sandbox containers")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n := len(a.sandboxes.List())
	if err := a.sandboxes.Clear(cmd.Context(), removeContainers); err != nil {
		return err
	}
	if err := a.messages.Clear(); err != nil {
		return err
	}
	fmt.Printf("Cleared %d sandboxes.\n", n)
	return nil
}
