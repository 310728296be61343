package txnmgr

import (
	json "github.com/goccy/go-json"

	"consus/internal/wire"
)

func encodeEntry(entry wire.LogEntry) ([]byte, error) {
	return json.Marshal(entry)
}
