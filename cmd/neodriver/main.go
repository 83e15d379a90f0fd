// Command neodriver pushes, pops, and inspects messages on any neodriver backend from the command line.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(connect).Execute(); err != nil {
		os.Exit(1)
	}
}
