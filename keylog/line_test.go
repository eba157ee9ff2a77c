package keylog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func seqBytes(start byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func TestFormatRecordKnownAnswer(t *testing.T) {
	clientRandom := seqBytes(0x00, 32)
	secret := seqBytes(0xa0, 48)

	var buf [MaxRecordSize]byte
	n, err := FormatRecord(buf[:], clientRandom, secret)
	if err != nil {
		t.Fatalf("FormatRecord: %v", err)
	}

	want := "CLIENT_RANDOM " +
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f" +
		" " +
		"a0a1a2a3a4a5a6a7a8a9aaabacadaeafb0b1b2b3b4b5b6b7b8b9babbbcbdbebfc0c1c2c3c4c5c6c7c8c9cacbcccdcecf" +
		"\n"
	if got := string(buf[:n]); got != want {
		t.Errorf("record mismatch:\ngot  %q\nwant %q", got, want)
	}
	if n != MaxRecordSize {
		t.Errorf("full-size record wrote %d bytes, want %d", n, MaxRecordSize)
	}
}

func TestFormatRecordFieldLengths(t *testing.T) {
	// Hex field width follows the actual secret length, and the client
	// random of a real handshake always renders as 64 characters.
	clientRandom := seqBytes(0x10, 32)
	for _, secretLen := range []int{32, 40, 48} {
		var buf [MaxRecordSize]byte
		n, err := FormatRecord(buf[:], clientRandom, seqBytes(0x80, secretLen))
		if err != nil {
			t.Fatalf("secret length %d: %v", secretLen, err)
		}
		line := string(buf[:n])
		fields := strings.Fields(line)
		if len(fields) != 3 {
			t.Fatalf("secret length %d: got %d fields, want 3", secretLen, len(fields))
		}
		if len(fields[1]) != 64 {
			t.Errorf("client random field is %d chars, want 64", len(fields[1]))
		}
		if len(fields[2]) != 2*secretLen {
			t.Errorf("secret field is %d chars, want %d", len(fields[2]), 2*secretLen)
		}
		for _, hexField := range fields[1:] {
			if hexField != strings.ToLower(hexField) {
				t.Errorf("record contains uppercase hex: %q", line)
			}
		}
		if !strings.HasSuffix(line, "\n") {
			t.Errorf("record missing newline terminator: %q", line)
		}
	}
}

func TestFormatRecordRejectsBadInput(t *testing.T) {
	good := seqBytes(0, 32)
	tests := []struct {
		name         string
		clientRandom []byte
		secret       []byte
		dst          int
		wantErr      error
	}{
		{"empty client random", nil, seqBytes(0, 48), MaxRecordSize, ErrEmptyField},
		{"empty secret", good, nil, MaxRecordSize, ErrEmptyField},
		{"client random over protocol max", seqBytes(0, 33), seqBytes(0, 48), MaxRecordSize, ErrFieldTooLong},
		{"secret over protocol max", good, seqBytes(0, 49), MaxRecordSize, ErrFieldTooLong},
		{"destination too small", good, seqBytes(0, 48), MaxRecordSize - 1, ErrShortBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.dst)
			n, err := FormatRecord(dst, tt.clientRandom, tt.secret)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got err %v, want %v", err, tt.wantErr)
			}
			if n != 0 {
				t.Errorf("failed format reported %d bytes written, want 0", n)
			}
		})
	}
}

func TestFormatLine(t *testing.T) {
	clientRandom := seqBytes(0x00, 32)
	secret := seqBytes(0x40, 32)

	line, err := FormatLine(LabelClientTrafficSecret0, clientRandom, secret)
	if err != nil {
		t.Fatalf("FormatLine: %v", err)
	}
	if strings.HasSuffix(line, "\n") {
		t.Error("FormatLine added a newline, callback lines carry none")
	}
	label, cr, sec, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine of own output: %v", err)
	}
	if label != LabelClientTrafficSecret0 {
		t.Errorf("label = %q, want %q", label, LabelClientTrafficSecret0)
	}
	if !bytes.Equal(cr, clientRandom) || !bytes.Equal(sec, secret) {
		t.Error("fields did not survive the round trip")
	}

	if _, err := FormatLine("", clientRandom, secret); !errors.Is(err, ErrEmptyField) {
		t.Errorf("empty label: got %v, want %v", err, ErrEmptyField)
	}
	if _, err := FormatLine(LabelClientRandom, clientRandom, seqBytes(0, 49)); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("overlong secret: got %v, want %v", err, ErrFieldTooLong)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{"canonical record", "CLIENT_RANDOM " + strings.Repeat("ab", 32) + " " + strings.Repeat("cd", 48) + "\n", nil},
		{"no trailing newline", "CLIENT_RANDOM " + strings.Repeat("ab", 32) + " " + strings.Repeat("cd", 48), nil},
		{"crlf terminator", "CLIENT_RANDOM " + strings.Repeat("ab", 32) + " " + strings.Repeat("cd", 48) + "\r\n", nil},
		{"uppercase hex tolerated", "CLIENT_RANDOM " + strings.Repeat("AB", 32) + " " + strings.Repeat("CD", 48), nil},
		{"blank line", "\n", ErrMalformed},
		{"comment line", "# written by a tool\n", ErrMalformed},
		{"missing field", "CLIENT_RANDOM " + strings.Repeat("ab", 32), ErrMalformed},
		{"extra field", "CLIENT_RANDOM aa bb cc", ErrMalformed},
		{"odd hex", "CLIENT_RANDOM abc " + strings.Repeat("cd", 48), ErrMalformed},
		{"non-hex field", "CLIENT_RANDOM zz " + strings.Repeat("cd", 48), ErrMalformed},
		{"client random too long", "CLIENT_RANDOM " + strings.Repeat("ab", 33) + " " + strings.Repeat("cd", 48), ErrFieldTooLong},
		{"secret too long", "CLIENT_RANDOM " + strings.Repeat("ab", 32) + " " + strings.Repeat("cd", 49), ErrFieldTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, cr, secret, err := ParseLine(tt.line)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got err %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if label != LabelClientRandom {
				t.Errorf("label = %q, want %q", label, LabelClientRandom)
			}
			if len(cr) != 32 || len(secret) != 48 {
				t.Errorf("decoded lengths = %d, %d; want 32, 48", len(cr), len(secret))
			}
		})
	}
}

func TestRecordSizeConstants(t *testing.T) {
	// Buffer capacity is exact: label, space, 64 hex chars, space,
	// 96 hex chars, newline.
	if MaxRecordSize != 176 {
		t.Errorf("MaxRecordSize = %d, want 176", MaxRecordSize)
	}
	if MaxLineSize < MaxRecordSize {
		t.Errorf("MaxLineSize %d smaller than MaxRecordSize %d", MaxLineSize, MaxRecordSize)
	}
}
