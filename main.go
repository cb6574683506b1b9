// Command ingest is the entry point for the pos-norm CLI.
package main

import "github.com/posnorm/ingest/cmd"

func main() {
	cmd.Execute()
}
