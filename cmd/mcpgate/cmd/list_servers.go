package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcpgate/gateway/internal/adapter/outbound/yamlfile"
)

var listServersCmd = &cobra.Command{
	Use:   "list-servers",
	Short: "List registered upstream servers",
	RunE:  runListServers,
}

func init() {
	rootCmd.AddCommand(listServersCmd)
}

func runListServers(cmd *cobra.Command, args []string) error {
	store, err := yamlfile.Open(mcpServersFile)
	if err != nil {
		return fmt.Errorf("open %s: %w", mcpServersFile, err)
	}

	ups, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}

	if len(ups) == 0 {
		fmt.Println("no servers registered")
		return nil
	}

	for _, u := range ups {
		state := "enabled"
		if !u.Enabled {
			state = "disabled"
		}
		tags := strings.Join(u.Tags, ",")
		fmt.Printf("%-20s %-40s %-10s tags=%s\n", u.Name, u.URL, state, tags)
	}
	return nil
}
