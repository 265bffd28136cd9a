package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	mcpgateclient "github.com/mcpgate/gateway/sdks/go"
)

var (
	broadcastServers    []string
	broadcastTags       []string
	broadcastParams     string
	broadcastParamsFile string
	broadcastFormat     string
)

var invokeBroadcastCmd = &cobra.Command{
	Use:   "invoke-broadcast <tool>",
	Short: "Invoke a tool across multiple upstreams",
	Long: `invoke-broadcast fans a tool call out to every upstream named by
--servers, or every upstream tagged with one of --tags when --servers is
omitted.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvokeBroadcast,
}

func init() {
	invokeBroadcastCmd.Flags().StringSliceVar(&broadcastServers, "servers", nil, "explicit upstream names to target")
	invokeBroadcastCmd.Flags().StringSliceVar(&broadcastTags, "tags", nil, "upstream tags to target")
	invokeBroadcastCmd.Flags().StringVarP(&broadcastParams, "params", "p", "", "tool arguments as a JSON object")
	invokeBroadcastCmd.Flags().StringVar(&broadcastParamsFile, "params-file", "", "path to a file containing tool arguments as JSON")
	invokeBroadcastCmd.Flags().StringVar(&broadcastFormat, "format", "summary", "output format: summary|full|json")
	addGatewayFlag(invokeBroadcastCmd)
	rootCmd.AddCommand(invokeBroadcastCmd)
}

func runInvokeBroadcast(cmd *cobra.Command, args []string) error {
	tool := args[0]

	arguments, err := loadParams(broadcastParams, broadcastParamsFile)
	if err != nil {
		return err
	}

	result, err := newGatewayClient().InvokeBroadcast(cmd.Context(), mcpgateclient.InvokeBroadcastRequest{
		Tool:      tool,
		Servers:   broadcastServers,
		Tags:      broadcastTags,
		Arguments: arguments,
	})
	if err != nil {
		return fmt.Errorf("invoke-broadcast %s: %w", tool, err)
	}

	return printBroadcastResult(result, broadcastFormat)
}

func printBroadcastResult(result *mcpgateclient.BroadcastResult, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "full":
		fmt.Printf("tool=%s total=%d successes=%d failures=%d duration_ms=%d\n",
			result.Tool, result.Total, result.Successes, result.Failures, result.DurationMS)
		for server, content := range result.Results {
			fmt.Printf("  [%s] %s\n", server, content)
		}
		for server, errMsg := range result.Errors {
			fmt.Printf("  [%s] ERROR: %s\n", server, errMsg)
		}
	default: // summary
		fmt.Printf("%s: %d/%d succeeded (%dms)\n", result.Tool, result.Successes, result.Total, result.DurationMS)
		if result.Failures > 0 {
			for server, errMsg := range result.Errors {
				fmt.Printf("  %s: %s\n", server, errMsg)
			}
		}
	}
	if result.Failures > 0 {
		return fmt.Errorf("%d of %d targets failed", result.Failures, result.Total)
	}
	return nil
}
