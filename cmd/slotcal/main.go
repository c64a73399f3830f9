package main

import (
	"os"

	appLog "slotcal/internal/log"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		appLog.Error("slotcal failed", err)
		os.Exit(1)
	}
}
