// Command gander is the CLI entry point: flag parsing happens in
// package cmd, everything else runs through the gander library.
package main

import "gander/cmd"

func main() {
	cmd.Execute()
}
