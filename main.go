package main

import "github.com/agentic-research/tabula/cmd"

func main() {
	cmd.Execute()
}
