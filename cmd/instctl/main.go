// cmd/instctl/main.go
package main

import (
	"fmt"
	"os"

	"instrument-service/cmd/instctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
