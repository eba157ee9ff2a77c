package keytap

import (
	"bytes"

	"go.uber.org/zap"

	"tls-keytap/sslabi"
)

// masterKeySnapshot is a before/after view of a session's master key.
// The buffer capacity is the protocol maximum; length 0 means the key
// was not available when the snapshot was taken. Snapshots live on the
// calling goroutine's stack, so the hot path shares nothing but the
// final write.
type masterKeySnapshot struct {
	value  [sslabi.MaxMasterKeySize]byte
	length int
}

// clientRandomSnapshot is the companion capture for the other half of
// a record. Only taken once the key comparison decided a line is due.
type clientRandomSnapshot struct {
	value  [sslabi.RandomSize]byte
	length int
}

// snapshotMasterKey fills snap with the connection's current session
// master key. A connection without a session, or a session without a
// negotiated key, yields length 0.
func (t *Tap) snapshotMasterKey(conn sslabi.Conn, snap *masterKeySnapshot) {
	sess := t.entries.session(conn)
	if sess == nil {
		snap.length = 0
		return
	}
	snap.length = t.entries.masterKey(sess, snap.value[:])
}

func (t *Tap) snapshotClientRandom(conn sslabi.Conn, snap *clientRandomSnapshot) {
	snap.length = t.entries.clientRandom(conn, snap.value[:])
}

// keyChanged reports whether after holds key material that differs from
// before over after's length. An empty after never counts as changed: a
// handshake that produced no key has nothing to log.
func keyChanged(before, after *masterKeySnapshot) bool {
	if after.length == 0 {
		return false
	}
	return !bytes.Equal(after.value[:after.length], before.value[:after.length])
}

// SSLNew stands in for SSL_new. The first call through any hook binds
// the tap to the engine; in CallbackMode the key log callback is
// registered on the context before the real SSL_new runs, so every
// connection created from it reports its secrets.
func (t *Tap) SSLNew(ctx sslabi.Ctx) sslabi.Conn {
	t.ensureInit()
	if t.mode == CallbackMode {
		t.entries.setKeylog(ctx, t.keylogCallback)
	}
	return t.entries.newConn(ctx)
}

// SSLConnect stands in for SSL_connect. In CallbackMode the engine
// reports secrets itself and the call passes straight through; in
// HookMode the master key is snapshotted around the call and logged
// when it changed.
func (t *Tap) SSLConnect(conn sslabi.Conn) int {
	t.ensureInit()
	if t.mode == CallbackMode {
		return t.entries.connect(conn)
	}

	var before masterKeySnapshot
	t.snapshotMasterKey(conn, &before)

	ret := t.entries.connect(conn)
	if ret == sslabi.HandshakeSuccess {
		t.logKey(conn, &before)
	}
	return ret
}

// SSLDoHandshake stands in for SSL_do_handshake, with the same
// mode-dependent behavior as SSLConnect.
func (t *Tap) SSLDoHandshake(conn sslabi.Conn) int {
	t.ensureInit()
	if t.mode == CallbackMode {
		return t.entries.doHandshake(conn)
	}

	var before masterKeySnapshot
	t.snapshotMasterKey(conn, &before)

	ret := t.entries.doHandshake(conn)
	if ret == sslabi.HandshakeSuccess {
		t.logKey(conn, &before)
	}
	return ret
}

// SSLAccept stands in for SSL_accept. The accept side takes the
// snapshot path in both capture modes; the callback does not reach
// every accept-side session shape, and downstream parsers tolerate the
// occasional duplicate line this can produce.
func (t *Tap) SSLAccept(conn sslabi.Conn) int {
	t.ensureInit()

	var before masterKeySnapshot
	t.snapshotMasterKey(conn, &before)

	ret := t.entries.accept(conn)
	if ret == sslabi.HandshakeSuccess {
		t.logKey(conn, &before)
	}
	return ret
}

// logKey compares the master key against its pre-call snapshot and
// appends one CLIENT_RANDOM record when the handshake negotiated new
// key material. An unchanged key means the session was resumed and its
// line is already on file.
func (t *Tap) logKey(conn sslabi.Conn, before *masterKeySnapshot) {
	var after masterKeySnapshot
	t.snapshotMasterKey(conn, &after)
	if !keyChanged(before, &after) {
		return
	}

	var random clientRandomSnapshot
	t.snapshotClientRandom(conn, &random)
	if err := t.writer.WriteRecord(random.value[:random.length], after.value[:after.length]); err != nil {
		t.log.Critical("key log record dropped", zap.Error(err))
	}
}

// keylogCallback is what the tap registers with the engine in
// CallbackMode. Lines arrive fully formatted; the writer appends the
// newline.
func (t *Tap) keylogCallback(_ sslabi.Conn, line string) {
	if err := t.writer.WriteLine(line); err != nil {
		t.log.Critical("key log line dropped", zap.Error(err))
	}
}
