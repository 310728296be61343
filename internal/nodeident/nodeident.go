// Package nodeident loads a node's on-disk identity file — the TXMAN or
// KVS file named by spec.md §6's disk layout ("Each TM holds a directory
// containing LOCK, file_a, file_b, TXMAN (identity)") — as a flat
// properties sidecar via github.com/magiconair/properties, the ecosystem's
// well-precedented alternative to the teacher's JSON ConfigFileLocation
// for a single-node identity document.
package nodeident

import (
	"fmt"
	"path/filepath"

	"github.com/magiconair/properties"
)

// Identity is one node's durable self-description.
type Identity struct {
	ID      string
	DC      string
	Address string
}

// Load reads the identity file (named "TXMAN" or "KVS" by convention) out
// of dataDir.
func Load(dataDir, fileName string) (Identity, error) {
	p, err := properties.LoadFile(filepath.Join(dataDir, fileName), properties.UTF8)
	if err != nil {
		return Identity{}, fmt.Errorf("nodeident: load %s: %w", fileName, err)
	}
	id := Identity{
		ID:      p.MustGetString("id"),
		DC:      p.MustGetString("dc"),
		Address: p.GetString("address", ""),
	}
	return id, nil
}

// Write persists id to dataDir/fileName, creating or overwriting it.
func Write(dataDir, fileName string, id Identity) error {
	p := properties.NewProperties()
	for _, kv := range [][2]string{{"id", id.ID}, {"dc", id.DC}, {"address", id.Address}} {
		if _, _, err := p.Set(kv[0], kv[1]); err != nil {
			return fmt.Errorf("nodeident: set %s: %w", kv[0], err)
		}
	}
	return p.WriteFile(filepath.Join(dataDir, fileName), 0644)
}
