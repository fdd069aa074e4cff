// Command orchestrator serves text generation over HTTP across several
// OpenAI-compatible providers, with task routing, failover, response caching
// and multi-provider fan-out.
//
// Usage:
//
//	# Start the server (the default command)
//	orchestrator serve
//
//	# Show which providers the environment configures
//	orchestrator providers
package main

func main() {
	Execute()
}
