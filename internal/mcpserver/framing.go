package mcpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// maxMessageBytes bounds a single payload in either framing.
const maxMessageBytes = 4 << 20

type framing int

const (
	framingUnset framing = iota
	// framingHeader is LSP style: Content-Length header, blank line, body.
	framingHeader
	// framingLine is one JSON document per line.
	framingLine
)

func (f framing) String() string {
	switch f {
	case framingHeader:
		return "framed"
	case framingLine:
		return "jsonline"
	default:
		return "unset"
	}
}

// transport reads either framing and answers in whichever the peer used
// first.
type transport struct {
	r    *bufio.Reader
	w    *bufio.Writer
	mode framing
}

func newTransport(in io.Reader, out io.Writer) *transport {
	return &transport{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

// read returns the next payload and the framing it arrived in. io.EOF
// means the stream ended cleanly between messages.
func (t *transport) read() ([]byte, framing, error) {
	first, err := t.skipBlank()
	if err != nil {
		return nil, framingUnset, err
	}

	var (
		payload []byte
		kind    framing
	)
	if first == '{' || first == '[' {
		payload, err = t.readLine()
		kind = framingLine
	} else {
		payload, err = t.readFramed()
		kind = framingHeader
	}
	if err != nil {
		return nil, kind, err
	}
	if t.mode == framingUnset {
		t.mode = kind
	}
	return payload, kind, nil
}

func (t *transport) skipBlank() (byte, error) {
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := t.r.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// readLine accumulates lines until they form one valid JSON document.
func (t *transport) readLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := t.r.ReadBytes('\n')
		buf.Write(line)
		if trimmed := bytes.TrimSpace(buf.Bytes()); json.Valid(trimmed) {
			return trimmed, nil
		}
		if buf.Len() > maxMessageBytes {
			return nil, fmt.Errorf("json message exceeds %d bytes", maxMessageBytes)
		}
		if err != nil {
			return nil, unexpected(err)
		}
	}
}

func (t *transport) readFramed() ([]byte, error) {
	hdr, err := textproto.NewReader(t.r).ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(hdr) > 0) {
		return nil, fmt.Errorf("read headers: %w", unexpected(err))
	}

	raw := hdr.Get("Content-Length")
	if raw == "" {
		return nil, errors.New("missing Content-Length header")
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid Content-Length: %w", err)
	}
	if n < 0 || n > maxMessageBytes {
		return nil, fmt.Errorf("invalid Content-Length %d", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(t.r, payload); err != nil {
		return nil, unexpected(err)
	}
	return payload, nil
}

func (t *transport) write(payload []byte) error {
	if t.mode == framingLine {
		if _, err := t.w.Write(payload); err != nil {
			return err
		}
		if err := t.w.WriteByte('\n'); err != nil {
			return err
		}
		return t.w.Flush()
	}

	if _, err := fmt.Fprintf(t.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := t.w.Write(payload); err != nil {
		return err
	}
	return t.w.Flush()
}

// unexpected reports a mid-message EOF as io.ErrUnexpectedEOF. Plain io.EOF
// only ever means a close between messages.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
