// Command relay serves MCP tools to LLM clients.
//
// Tool calls arrive on POST /mcp. Identical calls that arrive close together
// (client retries) are coalesced so the underlying tool runs once and every
// caller receives the same response.
//
// Usage:
//
//	# Start the relay (embedded Redis when RELAY_REDIS_URL is unset)
//	relay
//
//	# Generate a relay API key and its hash
//	relay setup --write-env
package main

import (
	"fmt"
	"runtime"
)

// Version information, set via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	Execute()
}

func versionString() string {
	return fmt.Sprintf("relay %s (%s, %s)", version, commit[:min(7, len(commit))], runtime.Version())
}
