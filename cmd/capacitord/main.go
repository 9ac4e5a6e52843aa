// capacitord is the session-routing daemon and its CLI.
package main

import (
	"os"

	"github.com/mira-voss/capacitord/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
