// Command kleis is the entrypoint for the kleis multi-tenant OAuth proxy.
package main

import (
	"fmt"
	"os"

	"github.com/kleis/kleis/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
