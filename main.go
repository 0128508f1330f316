// The main package for the rfpscanner executable.
package main

import (
	"github.com/JakeFAU/rfp-scanner/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
