// Command pml is the local-first MCP gateway's CLI: init, stdio, serve,
// add, run, remove, list, upgrade (spec §6 CLI surface).
package main

import "github.com/casys-ai/pml/internal/cli"

func main() {
	cli.Execute()
}
