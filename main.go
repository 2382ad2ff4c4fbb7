// The main package for the zipmailer executable.
package main

import (
	"github.com/JakeFAU/zipmailer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
