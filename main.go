// Package main is the entry point for the flowguard agent.
package main

import (
	"os"

	"firestige.xyz/flowguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// cobra has already printed the error.
		os.Exit(1)
	}
}
