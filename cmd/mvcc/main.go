// Command mvcc inspects and edits a versioned document database from the
// shell and can mount it as a read-only file tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mvcc:", err)
		os.Exit(1)
	}
}
