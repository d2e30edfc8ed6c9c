package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// clientIDPrefix namespaces panel client IDs on shared public brokers.
const clientIDPrefix = "gaspanel-"

// LoadOrCreateClientID reads the MQTT client ID from a file in dataDir,
// or generates "gaspanel-<uuid>" and persists it if the file does not
// exist. A stable ID keeps two panels on the same host from kicking
// each other off the broker only when they use different data dirs.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}

	idStr := clientIDPrefix + id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client ID to %s: %w", path, err)
	}

	return idStr, nil
}

// EphemeralClientID returns a fresh client ID for one-shot commands
// that must not collide with a running panel.
func EphemeralClientID() string {
	return clientIDPrefix + uuid.NewString()
}
