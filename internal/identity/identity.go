// Package identity manages the agent's stable runtime identifier. The
// identifier is generated once, persisted to a well-known file, and reused
// across restarts so the remote side can address the same runtime again.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// KitIDPrefix is prepended to the runtime name to form the addressable
// identifier on the event channel.
const KitIDPrefix = "Runtime-"

// EnvRuntimeName overrides the persisted runtime name when set.
const EnvRuntimeName = "RUNTIME_NAME"

// Identity is the process-wide runtime identity. Immutable after load.
type Identity struct {
	RuntimeID string // stable runtime name, e.g. "UDA-1a2b3c4d"
	KitID     string // addressable id on the event channel
}

// LoadOrCreate returns the identity persisted at path, generating and
// persisting a new one when the file is missing or unusable. The RUNTIME_NAME
// environment variable takes precedence over the file and is never persisted.
func LoadOrCreate(path string) (Identity, error) {
	if env := strings.TrimSpace(os.Getenv(EnvRuntimeName)); env != "" {
		return fromName(env), nil
	}

	if b, err := os.ReadFile(path); err == nil {
		name := strings.TrimSpace(string(b))
		if valid(name) {
			return fromName(name), nil
		}
		// Corrupt or empty file: fall through and regenerate.
	}

	name := generate()
	if err := persist(path, name); err != nil {
		return Identity{}, fmt.Errorf("persist runtime id: %w", err)
	}
	return fromName(name), nil
}

func fromName(name string) Identity {
	return Identity{RuntimeID: name, KitID: KitIDPrefix + name}
}

func generate() string {
	return "UDA-" + uuid.NewString()[:8]
}

func persist(path, name string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(name+"\n"), 0o600)
}

// valid rejects names that would corrupt the wire protocol or filesystem
// paths; a rejected persisted name triggers regeneration.
func valid(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	return !strings.ContainsAny(name, " \t\n/\\")
}
