// The main package for the juscash executable.
package main

import (
	"os"

	"github.com/torwi-dev/juscash/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
