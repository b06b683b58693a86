// sandboxctl - command-line client for the CryptoCardia sandbox
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/cryptocardia/sandbox/internal/cli"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	if err := cli.NewRootCommand(Version).Execute(); err != nil {
		os.Exit(1)
	}
}
