// Command ruleflow runs the scheduled automation rules daemon and manages
// rules from the command line.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
