package main

import (
	"fmt"
	"os"

	"hyperlight/cmd/hlhost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
