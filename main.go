// Package main is the ion-sessiond entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/cryptagon/ion-sessiond/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
