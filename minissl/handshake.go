package minissl

import (
	"crypto/rand"
	"time"

	"go.uber.org/zap"

	"tls-keytap/keylog"
	"tls-keytap/sslabi"
)

// runHandshake drives one handshake on c and delivers any key log
// lines to the context's callback. Lines are delivered after the
// connection lock is released, so a callback is free to call back
// into the engine.
func (e *Engine) runHandshake(c *Conn, server bool) int {
	lines, ret := e.negotiate(c, server)
	if len(lines) > 0 {
		if cb := c.ctx.callback(); cb != nil {
			for _, line := range lines {
				cb(c, line)
			}
		}
	}
	return ret
}

// negotiate runs the handshake state machine under the connection lock
// and returns the key log lines to deliver plus the libssl-style
// return code.
func (e *Engine) negotiate(c *Conn, server bool) (lines []string, ret int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.server = server

	// An established connection has nothing left to negotiate.
	if c.established {
		return nil, sslabi.HandshakeSuccess
	}

	suites, maxVer := c.ctx.offer()
	if engineMax := e.maxVersion(); maxVer > engineMax {
		maxVer = engineMax
	}

	// Fresh randoms on every handshake, resumed ones included.
	var serverRandom [sslabi.RandomSize]byte
	if _, err := rand.Read(c.clientRandom[:]); err != nil {
		e.log.Error("entropy unavailable", zap.Error(err))
		return nil, sslabi.HandshakeError
	}
	if _, err := rand.Read(serverRandom[:]); err != nil {
		e.log.Error("entropy unavailable", zap.Error(err))
		return nil, sslabi.HandshakeError
	}
	c.haveRandom = true

	// An installed TLS 1.2 session short-circuits the key exchange as
	// long as its suite is still on offer. TLS 1.3 sessions always
	// negotiate from scratch; the engine carries no PSK machinery.
	if c.resuming && c.sess != nil && c.sess.version == VersionTLS12 &&
		maxVer >= VersionTLS12 && suiteOffered(suites, c.sess.suite) {
		c.vers = VersionTLS12
		c.suite = c.sess.suite
		c.established = true
		c.resuming = false
		e.log.DebugIf("handshake resumed",
			zap.String("conn_id", c.id),
			zap.Uint16("suite", c.suite))
		line, err := keylog.FormatLine(keylog.LabelClientRandom, c.clientRandom[:], c.sess.masterSecret)
		if err != nil {
			return nil, sslabi.HandshakeSuccess
		}
		return []string{line}, sslabi.HandshakeSuccess
	}
	c.resuming = false

	vers, suite, ok := pickSuite(suites, maxVer)
	if !ok {
		e.log.DebugIf("handshake failed, no shared cipher suite",
			zap.String("conn_id", c.id),
			zap.Uint16("max_version", maxVer))
		return nil, sslabi.HandshakeError
	}

	switch vers {
	case VersionTLS13:
		return e.negotiate13(c, suite, serverRandom)
	default:
		return e.negotiate12(c, suite, serverRandom)
	}
}

// negotiate12 runs the full TLS 1.2 key exchange: a fresh premaster,
// the RFC 5246 PRF, and a cacheable session. c.mu must be held.
func (e *Engine) negotiate12(c *Conn, suite uint16, serverRandom [sslabi.RandomSize]byte) ([]string, int) {
	premaster := make([]byte, masterSecretLength)
	if _, err := rand.Read(premaster); err != nil {
		return nil, sslabi.HandshakeError
	}

	seed := make([]byte, 0, 2*sslabi.RandomSize)
	seed = append(seed, c.clientRandom[:]...)
	seed = append(seed, serverRandom[:]...)
	master := prf(suite, premaster, masterSecretLabel, seed, masterSecretLength)

	sess := &SessionState{
		version:      VersionTLS12,
		suite:        suite,
		masterSecret: master,
		createdAt:    time.Now(),
	}
	if _, err := rand.Read(sess.id[:]); err != nil {
		return nil, sslabi.HandshakeError
	}
	c.sess = sess
	c.ctx.storeSession(sess)
	c.vers = VersionTLS12
	c.suite = suite
	c.established = true

	e.log.DebugIf("handshake complete",
		zap.String("conn_id", c.id),
		zap.Uint16("version", VersionTLS12),
		zap.Uint16("suite", suite))

	line, err := keylog.FormatLine(keylog.LabelClientRandom, c.clientRandom[:], master)
	if err != nil {
		return nil, sslabi.HandshakeSuccess
	}
	return []string{line}, sslabi.HandshakeSuccess
}

// negotiate13 drives the TLS 1.3 key schedule and reports the four
// traffic secrets. The session's master key is the schedule's master
// secret, which is what libssl exposes for 1.3 sessions too. c.mu
// must be held.
func (e *Engine) negotiate13(c *Conn, suite uint16, serverRandom [sslabi.RandomSize]byte) ([]string, int) {
	ks, err := newKeySchedule13(suite)
	if err != nil {
		return nil, sslabi.HandshakeError
	}

	// Stands in for the ECDHE shared secret; X25519-sized.
	sharedSecret := make([]byte, 32)
	if _, err := rand.Read(sharedSecret); err != nil {
		return nil, sslabi.HandshakeError
	}
	if err := ks.advance(sharedSecret); err != nil {
		return nil, sslabi.HandshakeError
	}

	transcript := hashTranscript(suite, c.clientRandom[:], serverRandom[:])
	clientHS, serverHS, clientApp, serverApp, err := ks.trafficSecrets(transcript)
	if err != nil {
		return nil, sslabi.HandshakeError
	}

	sess := &SessionState{
		version:      VersionTLS13,
		suite:        suite,
		masterSecret: ks.masterSecret,
		createdAt:    time.Now(),
	}
	if _, err := rand.Read(sess.id[:]); err != nil {
		return nil, sslabi.HandshakeError
	}
	c.sess = sess
	c.ctx.storeSession(sess)
	c.vers = VersionTLS13
	c.suite = suite
	c.established = true

	e.log.DebugIf("handshake complete",
		zap.String("conn_id", c.id),
		zap.Uint16("version", VersionTLS13),
		zap.Uint16("suite", suite))

	pairs := []struct {
		label  string
		secret []byte
	}{
		{keylog.LabelClientHandshakeTrafficSecret, clientHS},
		{keylog.LabelServerHandshakeTrafficSecret, serverHS},
		{keylog.LabelClientTrafficSecret0, clientApp},
		{keylog.LabelServerTrafficSecret0, serverApp},
	}
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		line, err := keylog.FormatLine(p.label, c.clientRandom[:], p.secret)
		if err != nil {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sslabi.HandshakeSuccess
}

// hashTranscript condenses both hello randoms into the transcript hash
// the traffic secret derivation binds to.
func hashTranscript(suite uint16, clientRandom, serverRandom []byte) []byte {
	h := suiteHash(suite)()
	h.Write(clientRandom)
	h.Write(serverRandom)
	return h.Sum(nil)
}

// pickSuite takes the first offered suite the engine can speak at or
// below maxVer. Offer order is preference order.
func pickSuite(offered []uint16, maxVer uint16) (vers, suite uint16, ok bool) {
	for _, s := range offered {
		v := suiteVersion(s)
		if v == 0 || v > maxVer {
			continue
		}
		return v, s, true
	}
	return 0, 0, false
}

func suiteOffered(offered []uint16, suite uint16) bool {
	for _, s := range offered {
		if s == suite {
			return true
		}
	}
	return false
}
