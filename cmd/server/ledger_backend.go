package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"explorermaps.dev/internal/persistence/ledger"
)

// openRuntimeLedger opens the generation/issuance ledger selected by
// EM_LEDGER_BACKEND (sqlite by default, none to disable).
func openRuntimeLedger(dataDir string, logger *log.Logger) (*ledger.Ledger, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("EM_LEDGER_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return ledger.Open(filepath.Join(dataDir, "index", "ledger.sqlite"), logger)
	default:
		return nil, fmt.Errorf("unsupported EM_LEDGER_BACKEND: %s", backend)
	}
}
