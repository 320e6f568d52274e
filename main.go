package main

import (
	"os"

	"github.com/crystal-sds/metrics-relay/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
