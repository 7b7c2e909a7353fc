// Command fmquery runs ad hoc OData queries against a FileMaker database.
//
// Connection settings come from the environment (FM_SERVER, FM_DATABASE,
// OTTO_API_KEY or FM_USERNAME and FM_PASSWORD) or from the file given with
// --config.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(openFromConfig).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
