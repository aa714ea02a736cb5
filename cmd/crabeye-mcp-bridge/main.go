// Command crabeye-mcp-bridge runs the MCP aggregating proxy.
package main

import "github.com/crabeye-ai/crabeye-mcp-bridge/cmd/crabeye-mcp-bridge/cmd"

func main() {
	cmd.Execute()
}
