package globalvoter

import (
	json "github.com/goccy/go-json"

	"consus/internal/wire"
)

func mustEncode(entry wire.LogEntry) []byte {
	b, err := json.Marshal(entry)
	if err != nil {
		// Marshaling our own LogEntry type can only fail on an
		// unsupported field type, which would be a programming error.
		panic(err)
	}
	return b
}
