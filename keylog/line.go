// Package keylog reads and writes the NSS key log format understood by
// Wireshark and friends: one line per secret, a label, the hex client
// random and the hex secret separated by single spaces. Emitted hex is
// always lowercase.
package keylog

import (
	"encoding/hex"
	"errors"
	"strings"
)

// Line labels. ClientRandom carries the TLS 1.2 master secret, the
// rest are the TLS 1.3 traffic secrets.
const (
	LabelClientRandom                 = "CLIENT_RANDOM"
	LabelClientHandshakeTrafficSecret = "CLIENT_HANDSHAKE_TRAFFIC_SECRET"
	LabelServerHandshakeTrafficSecret = "SERVER_HANDSHAKE_TRAFFIC_SECRET"
	LabelClientTrafficSecret0         = "CLIENT_TRAFFIC_SECRET_0"
	LabelServerTrafficSecret0         = "SERVER_TRAFFIC_SECRET_0"
)

// Field bounds fixed by the TLS protocol: the client random is 32
// bytes, and no master secret or traffic secret exceeds 48 bytes (a
// SHA-384 hash). Buffer sizes below are exact, so an input that would
// overflow them is a caller bug and is rejected, never truncated.
const (
	MaxClientRandomSize = 32
	MaxSecretSize       = 48

	maxLabelSize = len(LabelServerHandshakeTrafficSecret)

	// MaxRecordSize is the longest possible CLIENT_RANDOM record
	// including the trailing newline.
	MaxRecordSize = len(LabelClientRandom) + 1 + 2*MaxClientRandomSize + 1 + 2*MaxSecretSize + 1

	// MaxLineSize is the longest possible line of any label.
	MaxLineSize = maxLabelSize + 1 + 2*MaxClientRandomSize + 1 + 2*MaxSecretSize + 1
)

var (
	ErrEmptyField   = errors.New("keylog: empty client random or secret")
	ErrFieldTooLong = errors.New("keylog: field exceeds protocol maximum")
	ErrLineTooLong  = errors.New("keylog: line exceeds maximum length")
	ErrShortBuffer  = errors.New("keylog: destination buffer too small")
	ErrMalformed    = errors.New("keylog: malformed line")
)

// FormatRecord writes a complete CLIENT_RANDOM record, newline
// included, into dst and returns the number of bytes written. Field
// lengths are taken from the slices as given; a field longer than its
// protocol maximum is an error.
func FormatRecord(dst []byte, clientRandom, secret []byte) (int, error) {
	if len(clientRandom) == 0 || len(secret) == 0 {
		return 0, ErrEmptyField
	}
	if len(clientRandom) > MaxClientRandomSize || len(secret) > MaxSecretSize {
		return 0, ErrFieldTooLong
	}
	need := len(LabelClientRandom) + 1 + 2*len(clientRandom) + 1 + 2*len(secret) + 1
	if len(dst) < need {
		return 0, ErrShortBuffer
	}
	n := copy(dst, LabelClientRandom)
	dst[n] = ' '
	n++
	n += hex.Encode(dst[n:], clientRandom)
	dst[n] = ' '
	n++
	n += hex.Encode(dst[n:], secret)
	dst[n] = '\n'
	n++
	return n, nil
}

// FormatLine renders a line for an arbitrary label without the
// trailing newline, the shape engines hand to key log callbacks.
func FormatLine(label string, clientRandom, secret []byte) (string, error) {
	if label == "" || len(clientRandom) == 0 || len(secret) == 0 {
		return "", ErrEmptyField
	}
	if len(clientRandom) > MaxClientRandomSize || len(secret) > MaxSecretSize {
		return "", ErrFieldTooLong
	}
	var b strings.Builder
	b.Grow(len(label) + 2 + 2*len(clientRandom) + 2*len(secret))
	b.WriteString(label)
	b.WriteByte(' ')
	b.WriteString(hex.EncodeToString(clientRandom))
	b.WriteByte(' ')
	b.WriteString(hex.EncodeToString(secret))
	return b.String(), nil
}

// ParseLine splits one key log line into its label and decoded fields.
// Trailing newlines are tolerated, as is uppercase hex. Comment lines
// and blank lines return ErrMalformed; callers skip those.
func ParseLine(line string) (label string, clientRandom, secret []byte, err error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil, nil, ErrMalformed
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", nil, nil, ErrMalformed
	}
	clientRandom, err = hex.DecodeString(fields[1])
	if err != nil {
		return "", nil, nil, ErrMalformed
	}
	secret, err = hex.DecodeString(fields[2])
	if err != nil {
		return "", nil, nil, ErrMalformed
	}
	if len(clientRandom) == 0 || len(secret) == 0 {
		return "", nil, nil, ErrEmptyField
	}
	if len(clientRandom) > MaxClientRandomSize || len(secret) > MaxSecretSize {
		return "", nil, nil, ErrFieldTooLong
	}
	return fields[0], clientRandom, secret, nil
}
