// stylectl manages the catalog documents and local caches of stylesync.
package main

import (
	"fmt"
	"os"

	"styleai/services/stylesync/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stylectl:", err)
		os.Exit(1)
	}
}
