// Package main is the entry point for the atc-blender server.
package main

import (
	"os"

	"github.com/ezrakhuzadi/atc-blender/cmd/atc-blender/app"
	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
