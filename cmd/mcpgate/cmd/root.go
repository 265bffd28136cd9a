// Package cmd provides the CLI commands for the MCP gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpgate/gateway/internal/config"
)

var cfgFile string
var mcpServersFile string

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "mcpgate - MCP Gateway",
	Long: `mcpgate is a gateway that aggregates multiple Model Context Protocol
(MCP) servers behind a single virtual server, with authentication,
authorization, rate limiting, audit logging, and tool broadcast.

Quick start:
  1. Register upstream servers: mcpgate register-mcp <name> <url>
  2. Run: mcpgate serve

Configuration:
  Config is loaded from mcpgate.yaml in the current directory,
  $HOME/.mcpgate/, or /etc/mcpgate/. Upstream servers are registered in
  mcp_servers.yaml.

  Environment variables can override config values using their literal
  names (HOST, PORT, AUTH_ENABLED, ...), not a prefixed scheme.

Commands:
  serve             Start the gateway server
  register-mcp      Register an upstream MCP server
  list-servers      List registered upstream servers
  list-tools        List tools a server advertises
  invoke            Invoke a namespaced tool through the gateway
  invoke-broadcast  Invoke a tool across multiple upstreams
  version           Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpgate.yaml)")
	rootCmd.PersistentFlags().StringVar(&mcpServersFile, "servers", "mcp_servers.yaml", "path to mcp_servers.yaml")
}

func initConfig() {
	config.InitViper(cfgFile)
}
