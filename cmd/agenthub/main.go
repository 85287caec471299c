// Command agenthub runs the local control plane that provisions agent
// sandboxes and relays messages between the operator console and the
// agents running inside them.
//
// Usage:
//
//	export ANTHROPIC_API_KEY="your-api-key"
//	agenthub serve
//
// Agents and the console connect to ws://<host>:3030/ws.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
