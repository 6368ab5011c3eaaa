package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single reply frame.
const maxFrameSize = 10 * 1024 * 1024

// RequestPayload is what a bridge process receives for one request. The
// fields map onto the WSGI environ.
type RequestPayload struct {
	ID         string              `json:"id"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      string              `json:"query"`
	Host       string              `json:"host"`
	Port       string              `json:"port"`
	Scheme     string              `json:"scheme"`
	RemoteAddr string              `json:"remote_addr,omitempty"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body"`
}

// ResponsePayload is the reply. Headers are name/value pairs in the order the
// application gave them. A non-empty Error means the application raised
// instead of producing a response.
type ResponsePayload struct {
	ID      string      `json:"id"`
	Status  int         `json:"status"`
	Reason  string      `json:"reason,omitempty"`
	Headers [][2]string `json:"headers"`
	Body    string      `json:"body"`
	Error   string      `json:"error,omitempty"`
}

// writeFrame writes v as a 4-byte big-endian length followed by its JSON.
func writeFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[4:], b)
	_, err = w.Write(frame)
	return err
}

func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return fmt.Errorf("bad frame length %d: %w", n, io.ErrUnexpectedEOF)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
