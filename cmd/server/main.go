/*
main.go - Application entry point

PURPOSE:
  Starts the vesting engine server. Handles configuration, dependency
  injection, and graceful shutdown.

COMMANDS:
  serve       Run the HTTP API (default)
  reconcile   Check tracked balances against the transfers and exit

STARTUP SEQUENCE:
  1. Load config (file, then VESTING_* environment, then flags)
  2. Open the configured store (memory, sqlite, leveldb)
  3. Build custody, engine and API handler
  4. Start the reconciliation scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and close the store
  4. Exit

EXAMPLES:
  # Run with file database
  ./server serve --driver=sqlite --path=./data/vesting.db

  # Run with leveldb and a config file
  ./server serve --config=./vesting.yaml

  # Environment overrides
  VESTING_SERVER_PORT=3000 VESTING_ENGINE_ADMINS=erd1ops ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
