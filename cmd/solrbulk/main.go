// Command solrbulk is the runnable entry point described in section 1 of
// the design specification: the "external collaborator" that does flag
// parsing and archive-file listing, then hands a validated
// config.RestoreParams and a resolved archive list to the core pipeline.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
