// Package main is the entry point for the authz CLI.
package main

import (
	"os"

	"github.com/sistemas-fsa/authz/cmd/authz/app"
	"github.com/sistemas-fsa/authz/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
