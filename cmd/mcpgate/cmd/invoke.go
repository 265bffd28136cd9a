package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	invokeParams     string
	invokeParamsFile string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <server> <tool>",
	Short: "Invoke a namespaced tool through the gateway",
	Args:  cobra.ExactArgs(2),
	RunE:  runInvoke,
}

func init() {
	invokeCmd.Flags().StringVarP(&invokeParams, "params", "p", "", "tool arguments as a JSON object")
	invokeCmd.Flags().StringVar(&invokeParamsFile, "params-file", "", "path to a file containing tool arguments as JSON")
	addGatewayFlag(invokeCmd)
	rootCmd.AddCommand(invokeCmd)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	server, tool := args[0], args[1]

	arguments, err := loadParams(invokeParams, invokeParamsFile)
	if err != nil {
		return err
	}

	name := server + "__" + tool
	result, err := newGatewayClient().InvokeTool(cmd.Context(), name, arguments)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", name, err)
	}

	if result.IsError {
		fmt.Fprintf(os.Stderr, "%s\n", result.Content)
		return fmt.Errorf("tool call returned an error")
	}
	fmt.Println(string(result.Content))
	return nil
}

// loadParams resolves tool arguments from either an inline JSON string
// (-p/--params) or a file (--params-file); at most one may be set.
func loadParams(inline, file string) (any, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("use at most one of --params or --params-file")
	}

	raw := []byte(inline)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return v, nil
}
