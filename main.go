// The main package for the gallerycrawler executable.
package main

import (
	"github.com/JakeFAU/gallery-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
