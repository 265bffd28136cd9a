// Command mcpgated runs the MCP gateway: a single virtual MCP server in
// front of a fleet of upstream MCP servers, authenticating, authorizing,
// auditing and routing/broadcasting tool calls between them.
package main

import "github.com/mcpgate/gateway/cmd/mcpgate/cmd"

func main() {
	cmd.Execute()
}
