package pnshare

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The link wire format is a stream of length-prefixed records: a uint32
// big-endian body length followed by the body. During the handshake bodies
// are plaintext JSON; afterwards every body is an AEAD-sealed record.

// maxHandshakeRecord bounds a plaintext handshake record.
const maxHandshakeRecord = 4096

// recordOverhead is the slack allowed on top of the frame payload for
// envelope addresses, frame header and AEAD tag.
const recordOverhead = 4096

func writeRecord(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readRecord(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n > maxLen {
		return nil, fmt.Errorf("record length %d exceeds limit %d", n, maxLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
