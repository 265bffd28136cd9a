package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var listToolsCmd = &cobra.Command{
	Use:   "list-tools <server>",
	Short: "List tools a registered server advertises",
	Args:  cobra.ExactArgs(1),
	RunE:  runListTools,
}

func init() {
	addGatewayFlag(listToolsCmd)
	rootCmd.AddCommand(listToolsCmd)
}

func runListTools(cmd *cobra.Command, args []string) error {
	server := args[0]
	prefix := server + "__"

	tools, err := newGatewayClient().ListTools(cmd.Context())
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	found := false
	for _, t := range tools {
		if !strings.HasPrefix(t.Name, prefix) {
			continue
		}
		found = true
		fmt.Printf("%-40s %s\n", t.Name, t.Description)
	}
	if !found {
		fmt.Printf("no tools found for server %q\n", server)
	}
	return nil
}
