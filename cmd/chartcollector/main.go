// The main package for the chartcollector executable.
package main

import (
	"github.com/JakeFAU/webtoon-chart-collector/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
