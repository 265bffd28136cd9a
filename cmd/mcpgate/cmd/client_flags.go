package cmd

import (
	"github.com/spf13/cobra"

	mcpgateclient "github.com/mcpgate/gateway/sdks/go"
)

var gatewayAddr string

// addGatewayFlag registers the --gateway flag shared by commands that talk
// to a running mcpgate serve instance over its legacy REST surface.
func addGatewayFlag(c *cobra.Command) {
	c.Flags().StringVar(&gatewayAddr, "gateway", "http://127.0.0.1:8080", "gateway server address")
}

func newGatewayClient() *mcpgateclient.Client {
	return mcpgateclient.NewClient(mcpgateclient.WithServerAddr(gatewayAddr))
}
