package minissl

import (
	"crypto/hmac"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// TLS 1.3 key schedule, RFC 8446 section 7.1, reduced to the chain
// that produces the secrets a key log reports: Early Secret →
// Handshake Secret → Master Secret, plus the four traffic secrets.

// Labels for HKDF-Expand-Label.
const (
	labelDerived         = "tls13 derived"
	labelClientHandshake = "tls13 c hs traffic"
	labelServerHandshake = "tls13 s hs traffic"
	labelClientApp       = "tls13 c ap traffic"
	labelServerApp       = "tls13 s ap traffic"
)

// keySchedule13 carries the schedule state for one handshake.
type keySchedule13 struct {
	suite    uint16
	hashSize int

	handshakeSecret []byte
	masterSecret    []byte
}

func newKeySchedule13(suite uint16) (*keySchedule13, error) {
	if suiteVersion(suite) != VersionTLS13 {
		return nil, fmt.Errorf("minissl: not a TLS 1.3 cipher suite: 0x%04x", suite)
	}
	return &keySchedule13{
		suite:    suite,
		hashSize: suiteHashSize(suite),
	}, nil
}

// hkdfExtract implements HKDF-Extract. A nil salt means a string of
// hash-length zeros, per the RFC.
func (ks *keySchedule13) hkdfExtract(salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, ks.hashSize)
	}
	h := hmac.New(suiteHash(ks.suite), salt)
	h.Write(ikm)
	return h.Sum(nil)
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446:
//
//	struct {
//	    uint16 length = Length;
//	    opaque label<7..255> = "tls13 " + Label;
//	    opaque context<0..255> = Context;
//	} HkdfLabel;
func (ks *keySchedule13) hkdfExpandLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	if length > 255 {
		return nil, fmt.Errorf("minissl: HKDF-Expand-Label length too large: %d", length)
	}

	hkdfLabel := make([]byte, 0, 2+1+len(label)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(label)))
	hkdfLabel = append(hkdfLabel, label...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	reader := hkdf.Expand(suiteHash(ks.suite), secret, hkdfLabel)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("minissl: HKDF-Expand failed: %w", err)
	}
	return out, nil
}

// emptyHash is Transcript-Hash("") for the suite's hash.
func (ks *keySchedule13) emptyHash() []byte {
	h := suiteHash(ks.suite)()
	return h.Sum(nil)
}

// advance runs the extract chain with the handshake's ECDHE shared
// secret, leaving the handshake and master secrets in place.
func (ks *keySchedule13) advance(sharedSecret []byte) error {
	if len(sharedSecret) == 0 {
		return fmt.Errorf("minissl: shared secret cannot be empty")
	}
	zeros := make([]byte, ks.hashSize)

	// Early Secret = HKDF-Extract(0, 0)
	earlySecret := ks.hkdfExtract(nil, zeros)

	// Handshake Secret = HKDF-Extract(Derive-Secret(Early, "derived"), ECDHE)
	derived, err := ks.hkdfExpandLabel(earlySecret, labelDerived, ks.emptyHash(), ks.hashSize)
	if err != nil {
		return err
	}
	ks.handshakeSecret = ks.hkdfExtract(derived, sharedSecret)

	// Master Secret = HKDF-Extract(Derive-Secret(Handshake, "derived"), 0)
	derived, err = ks.hkdfExpandLabel(ks.handshakeSecret, labelDerived, ks.emptyHash(), ks.hashSize)
	if err != nil {
		return err
	}
	ks.masterSecret = ks.hkdfExtract(derived, zeros)

	return nil
}

// trafficSecrets derives the four per-handshake secrets the key log
// reports, bound to the handshake transcript.
func (ks *keySchedule13) trafficSecrets(transcript []byte) (clientHS, serverHS, clientApp, serverApp []byte, err error) {
	if ks.handshakeSecret == nil || ks.masterSecret == nil {
		return nil, nil, nil, nil, fmt.Errorf("minissl: key schedule not advanced")
	}

	if clientHS, err = ks.hkdfExpandLabel(ks.handshakeSecret, labelClientHandshake, transcript, ks.hashSize); err != nil {
		return nil, nil, nil, nil, err
	}
	if serverHS, err = ks.hkdfExpandLabel(ks.handshakeSecret, labelServerHandshake, transcript, ks.hashSize); err != nil {
		return nil, nil, nil, nil, err
	}
	if clientApp, err = ks.hkdfExpandLabel(ks.masterSecret, labelClientApp, transcript, ks.hashSize); err != nil {
		return nil, nil, nil, nil, err
	}
	if serverApp, err = ks.hkdfExpandLabel(ks.masterSecret, labelServerApp, transcript, ks.hashSize); err != nil {
		return nil, nil, nil, nil, err
	}
	return clientHS, serverHS, clientApp, serverApp, nil
}
