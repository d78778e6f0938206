// Command keyctl is the operator tool for the license server.
//
//	keyctl send -email E -key K [-name N] [-userid U]
//	keyctl activate -server URL -email E -key K [-machine M]
//	keyctl check-userid -server URL -id U
//	keyctl machine-id
//	keyctl version
//
// send reads the notify settings from the same environment as the server
// and fails when no email provider is configured.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"keyserver/internal/config"
	"keyserver/internal/infrastructure"
	"keyserver/internal/machine"
	"keyserver/internal/notify"
)

func main() {
	logger := infrastructure.NewConsoleLogger(os.Stderr, "warn")

	c := &cli{
		stdout:        os.Stdout,
		stderr:        os.Stderr,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		loadConfig:    config.Load,
		newDispatcher: notify.New,
		machineID:     machine.NewFingerprinter(machine.SystemSources(), logger).MachineID,
		logger:        logger,
	}
	os.Exit(c.run(context.Background(), os.Args[1:]))
}
