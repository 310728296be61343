package wire

import (
	"bufio"
	"io"

	"github.com/goccy/go-json"
)

// Encode serializes env as a single line of JSON terminated by '\n', the
// same newline-delimited framing the teacher's coordinator/participant
// connections use (network/coordinator/conn.go).
func Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one line of JSON into an Envelope.
func Decode(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Reader reads newline-delimited Envelopes off a connection.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadEnvelope blocks until one full line has arrived and decodes it.
func (r *Reader) ReadEnvelope() (*Envelope, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return Decode([]byte(line))
}

// WriteEnvelope frames and writes env to w.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
