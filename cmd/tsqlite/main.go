// Command tsqlite is a thin cobra CLI over the persistence core, wired for
// manual smoke-testing of the store — not part of the module's public API.
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
