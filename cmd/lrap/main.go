package main

import (
	"os"

	"github.com/agentapiary/runtime-api-proxy/cmd/lrap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
