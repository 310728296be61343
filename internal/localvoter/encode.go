package localvoter

import (
	"strconv"

	json "github.com/goccy/go-json"

	"consus/internal/wire"
)

func encodeLogEntry(entry wire.LogEntry) ([]byte, error) {
	return json.Marshal(entry)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func itoa64(i uint64) string {
	return strconv.FormatUint(i, 10)
}
