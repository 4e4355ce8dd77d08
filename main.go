// The main package for the mapmonkey executable.
package main

import (
	"github.com/jwiedeman/MapMonkey/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
