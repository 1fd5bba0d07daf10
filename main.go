// The main package for the pricemon executable.
package main

import (
	"github.com/JakeFAU/adaptive-price-monitor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
