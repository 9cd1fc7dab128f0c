package wire

import (
	"bufio"
	"encoding/json"
	"io"

	"walletnet/pkg/utils"
)

// maxLineBytes bounds a single decoded line. A 2016-header chunk response
// carries up to 2016*160 hex characters plus a merkle branch and JSON
// envelope, so the default bufio.Scanner token size (64KiB) is far too
// small.
const maxLineBytes = 4 << 20

// Codec frames line-delimited JSON messages over a connection. It does
// not own the underlying connection's lifecycle; callers close it
// themselves.
type Codec struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewCodec wraps rw for reading and writing wire messages.
func NewCodec(rw io.ReadWriter) *Codec {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Codec{scanner: scanner, w: rw}
}

// WriteRequest serialises and writes one request, newline-terminated.
func (c *Codec) WriteRequest(r Request) error {
	b, err := json.Marshal(r)
	if err != nil {
		return utils.Wrap(err, "wire: marshal request")
	}
	b = append(b, '\n')
	if _, err := c.w.Write(b); err != nil {
		return utils.Wrap(err, "wire: write request")
	}
	return nil
}

// ReadMessage reads and decodes the next line. It returns io.EOF (possibly
// wrapped) when the peer closes the connection.
func (c *Codec) ReadMessage() (*Message, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, utils.Wrap(err, "wire: read message")
		}
		return nil, io.EOF
	}
	line := c.scanner.Bytes()
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, utils.Wrap(err, "wire: decode message")
	}
	return &m, nil
}
