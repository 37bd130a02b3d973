// Package pgwire classifies raw PostgreSQL v3 wire bytes. It is
// stateless: every predicate looks at one buffer as received from the
// socket and never remembers framing across calls.
package pgwire

import "encoding/binary"

const (
	// SSLRequestCode is the magic request code of the startup-phase
	// SSLRequest message.
	SSLRequestCode = 80877103

	// SSLRequestLen is the total length of an SSLRequest on the wire.
	SSLRequestLen = 8

	// SSLDeny is the single-byte reply that declines an SSLRequest.
	SSLDeny byte = 'N'

	// MsgQuery tags a Simple Query frame: 'Q' <int32 len> <cstring sql>.
	MsgQuery byte = 'Q'

	// frame header: 1 tag byte + 4 length bytes (length includes itself)
	headerLen = 5
)

// IsSSLRequest reports whether buf is exactly an SSLRequest: 8 bytes
// whose big-endian int32 at offset 4 is the SSL request code. The
// leading length field is not separately verified.
func IsSSLRequest(buf []byte) bool {
	if len(buf) != SSLRequestLen {
		return false
	}
	return binary.BigEndian.Uint32(buf[4:8]) == SSLRequestCode
}

// IsQueryFrame reports whether buf begins with a Simple Query tag.
func IsQueryFrame(buf []byte) bool {
	return len(buf) >= 1 && buf[0] == MsgQuery
}

// QueryText extracts the SQL text of the complete Query frame at the
// head of buf: tag and length prefix stripped, trailing NUL dropped.
// ok is false when buf does not start with a complete Query frame.
// The second return value is the total frame size consumed.
func QueryText(buf []byte) (sql string, frameLen int, ok bool) {
	if len(buf) < headerLen || buf[0] != MsgQuery {
		return "", 0, false
	}
	// The length field counts itself and the payload, not the tag.
	n := int(binary.BigEndian.Uint32(buf[1:headerLen]))
	if n < 4 || len(buf) < 1+n {
		return "", 0, false
	}
	payload := buf[headerLen : 1+n]
	if len(payload) > 0 && payload[len(payload)-1] == 0 {
		payload = payload[:len(payload)-1]
	}
	return string(payload), 1 + n, true
}

// QueryTexts walks the complete Query frames at the head of buf and
// returns their SQL texts in wire order. Walking stops at the first
// byte that is not the start of a complete Query frame; frames that
// arrive behind other bytes in the same chunk are not found, which is
// the documented chunk-level behavior.
func QueryTexts(buf []byte) []string {
	var texts []string
	for {
		sql, n, ok := QueryText(buf)
		if !ok {
			return texts
		}
		texts = append(texts, sql)
		buf = buf[n:]
	}
}
