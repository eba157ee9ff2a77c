package minissl

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"

	"tls-keytap/keylog"
	"tls-keytap/sslabi"
	"tls-keytap/symtab"
)

// TestEngineExports verifies the symbol tables of modern and legacy
// builds.
func TestEngineExports(t *testing.T) {
	mandatory := []string{
		sslabi.SymCtxNew,
		sslabi.SymNew,
		sslabi.SymConnect,
		sslabi.SymAccept,
		sslabi.SymDoHandshake,
		sslabi.SymGetClientRandom,
		sslabi.SymSessionGetMasterKey,
		sslabi.SymGetSession,
		sslabi.SymSetSession,
		sslabi.SymVersion,
	}

	t.Run("modern exports the callback", func(t *testing.T) {
		exports := New(Config{}).Exports()
		for _, name := range mandatory {
			if _, ok := exports.Lookup(name); !ok {
				t.Errorf("Missing symbol %s", name)
			}
		}
		if _, ok := exports.Lookup(sslabi.SymSetKeylogCallback); !ok {
			t.Errorf("Modern engine must export %s", sslabi.SymSetKeylogCallback)
		}
		t.Logf("✅ Modern engine exports %d symbols", len(exports))
	})

	t.Run("legacy omits the callback", func(t *testing.T) {
		exports := New(Config{Legacy: true}).Exports()
		for _, name := range mandatory {
			if _, ok := exports.Lookup(name); !ok {
				t.Errorf("Missing symbol %s", name)
			}
		}
		if _, ok := exports.Lookup(sslabi.SymSetKeylogCallback); ok {
			t.Errorf("Legacy engine must not export %s", sslabi.SymSetKeylogCallback)
		}
		t.Logf("✅ Legacy engine exports %d symbols", len(exports))
	})
}

// TestVersionString verifies the build strings.
func TestVersionString(t *testing.T) {
	if got := New(Config{}).Version(); got != "MiniSSL 1.1.1" {
		t.Errorf("Modern version: got %q, want %q", got, "MiniSSL 1.1.1")
	}
	if got := New(Config{Legacy: true}).Version(); got != "MiniSSL 1.1.0" {
		t.Errorf("Legacy version: got %q, want %q", got, "MiniSSL 1.1.0")
	}
}

// TestHandshakeTLS13 runs a full modern handshake and checks the
// negotiated state and the callback lines.
func TestHandshakeTLS13(t *testing.T) {
	e := New(Config{})
	ctx := e.NewContext()

	var lines []string
	e.sslSetKeylogCallback(ctx, func(conn sslabi.Conn, line string) {
		lines = append(lines, line)
	})

	conn := e.sslNew(ctx)
	if conn == nil {
		t.Fatal("SSL_new returned nil")
	}
	if ret := e.sslConnect(conn); ret != sslabi.HandshakeSuccess {
		t.Fatalf("SSL_connect: got %d, want %d", ret, sslabi.HandshakeSuccess)
	}

	c := conn.(*Conn)
	if !c.Established() {
		t.Error("Connection not established after successful handshake")
	}
	if got := c.ProtocolVersion(); got != VersionTLS13 {
		t.Errorf("Protocol version: got 0x%04x, want 0x%04x", got, VersionTLS13)
	}
	if got := c.CipherSuite(); got != TLS_AES_128_GCM_SHA256 {
		t.Errorf("Cipher suite: got 0x%04x, want 0x%04x", got, TLS_AES_128_GCM_SHA256)
	}

	var random [sslabi.RandomSize]byte
	if n := e.sslGetClientRandom(conn, random[:]); n != sslabi.RandomSize {
		t.Fatalf("SSL_get_client_random: got %d bytes, want %d", n, sslabi.RandomSize)
	}

	sess := e.sslGetSession(conn)
	if sess == nil {
		t.Fatal("SSL_get_session returned nil after handshake")
	}
	if sess.(*SessionState).CreatedAt().IsZero() {
		t.Error("Session carries no negotiation time")
	}
	var master [sslabi.MaxMasterKeySize]byte
	if n := e.sslSessionGetMasterKey(sess, master[:]); n != 32 {
		t.Errorf("Master key size: got %d, want 32", n)
	}

	wantLabels := []string{
		keylog.LabelClientHandshakeTrafficSecret,
		keylog.LabelServerHandshakeTrafficSecret,
		keylog.LabelClientTrafficSecret0,
		keylog.LabelServerTrafficSecret0,
	}
	if len(lines) != len(wantLabels) {
		t.Fatalf("Callback lines: got %d, want %d", len(lines), len(wantLabels))
	}
	for i, line := range lines {
		label, cr, secret, err := keylog.ParseLine(line)
		if err != nil {
			t.Fatalf("Line %d does not parse: %v", i, err)
		}
		if label != wantLabels[i] {
			t.Errorf("Line %d label: got %s, want %s", i, label, wantLabels[i])
		}
		if !bytes.Equal(cr, random[:]) {
			t.Errorf("Line %d client random does not match SSL_get_client_random", i)
		}
		if len(secret) != 32 {
			t.Errorf("Line %d secret length: got %d, want 32", i, len(secret))
		}
	}

	t.Logf("✅ TLS 1.3 handshake reported %d traffic secrets", len(lines))
}

// TestHandshakeTLS12 caps the context at TLS 1.2 and checks the master
// secret announcement.
func TestHandshakeTLS12(t *testing.T) {
	e := New(Config{})
	ctx := e.NewContext()
	ctx.SetMaxVersion(VersionTLS12)

	var lines []string
	e.sslSetKeylogCallback(ctx, func(conn sslabi.Conn, line string) {
		lines = append(lines, line)
	})

	conn := e.sslNew(ctx)
	if ret := e.sslConnect(conn); ret != sslabi.HandshakeSuccess {
		t.Fatalf("SSL_connect: got %d, want %d", ret, sslabi.HandshakeSuccess)
	}

	c := conn.(*Conn)
	if got := c.ProtocolVersion(); got != VersionTLS12 {
		t.Errorf("Protocol version: got 0x%04x, want 0x%04x", got, VersionTLS12)
	}

	sess := e.sslGetSession(conn)
	if sess == nil {
		t.Fatal("SSL_get_session returned nil after handshake")
	}
	var master [sslabi.MaxMasterKeySize]byte
	if n := e.sslSessionGetMasterKey(sess, master[:]); n != masterSecretLength {
		t.Fatalf("Master key size: got %d, want %d", n, masterSecretLength)
	}

	if len(lines) != 1 {
		t.Fatalf("Callback lines: got %d, want 1", len(lines))
	}
	label, _, secret, err := keylog.ParseLine(lines[0])
	if err != nil {
		t.Fatalf("Line does not parse: %v", err)
	}
	if label != keylog.LabelClientRandom {
		t.Errorf("Label: got %s, want %s", label, keylog.LabelClientRandom)
	}
	if !bytes.Equal(secret, master[:masterSecretLength]) {
		t.Error("Announced secret does not match the session master key")
	}

	t.Logf("✅ TLS 1.2 handshake announced CLIENT_RANDOM with the master secret")
}

// TestSessionResumption installs a negotiated session on a second
// connection and verifies the abbreviated handshake.
func TestSessionResumption(t *testing.T) {
	e := New(Config{})
	ctx := e.NewContext()
	ctx.SetMaxVersion(VersionTLS12)

	var lines []string
	e.sslSetKeylogCallback(ctx, func(conn sslabi.Conn, line string) {
		lines = append(lines, line)
	})

	conn1 := e.sslNew(ctx)
	if ret := e.sslConnect(conn1); ret != sslabi.HandshakeSuccess {
		t.Fatalf("First SSL_connect: got %d, want %d", ret, sslabi.HandshakeSuccess)
	}
	sess := e.sslGetSession(conn1)
	if sess == nil {
		t.Fatal("SSL_get_session returned nil after handshake")
	}
	var master1 [sslabi.MaxMasterKeySize]byte
	e.sslSessionGetMasterKey(sess, master1[:])
	var random1 [sslabi.RandomSize]byte
	e.sslGetClientRandom(conn1, random1[:])

	conn2 := e.sslNew(ctx)
	if ret := e.sslSetSession(conn2, sess); ret != 1 {
		t.Fatalf("SSL_set_session: got %d, want 1", ret)
	}
	if ret := e.sslConnect(conn2); ret != sslabi.HandshakeSuccess {
		t.Fatalf("Resumed SSL_connect: got %d, want %d", ret, sslabi.HandshakeSuccess)
	}

	// The resumed connection shares the session object and its secret
	if got := e.sslGetSession(conn2); got != sess {
		t.Error("Resumed connection does not share the installed session")
	}
	var master2 [sslabi.MaxMasterKeySize]byte
	e.sslSessionGetMasterKey(e.sslGetSession(conn2), master2[:])
	if !bytes.Equal(master1[:], master2[:]) {
		t.Error("Resumed session changed the master secret")
	}

	// Fresh client random on the abbreviated handshake
	var random2 [sslabi.RandomSize]byte
	e.sslGetClientRandom(conn2, random2[:])
	if bytes.Equal(random1[:], random2[:]) {
		t.Error("Resumed handshake reused the client random")
	}

	// The callback re-announces the secret under the new random
	if len(lines) != 2 {
		t.Fatalf("Callback lines: got %d, want 2", len(lines))
	}
	label, cr, secret, err := keylog.ParseLine(lines[1])
	if err != nil {
		t.Fatalf("Resumption line does not parse: %v", err)
	}
	if label != keylog.LabelClientRandom {
		t.Errorf("Resumption label: got %s, want %s", label, keylog.LabelClientRandom)
	}
	if !bytes.Equal(cr, random2[:]) {
		t.Error("Resumption line carries the wrong client random")
	}
	if !bytes.Equal(secret, master1[:masterSecretLength]) {
		t.Error("Resumption line carries the wrong master secret")
	}

	// Abbreviated handshakes must not grow the session cache
	if got := ctx.SessionCount(); got != 1 {
		t.Errorf("Session count: got %d, want 1", got)
	}

	t.Logf("✅ Resumption reused the master secret under a fresh client random")
}

// TestRepeatedHandshake verifies that handshaking an established
// connection is a no-op.
func TestRepeatedHandshake(t *testing.T) {
	e := New(Config{})
	ctx := e.NewContext()

	var lines []string
	e.sslSetKeylogCallback(ctx, func(conn sslabi.Conn, line string) {
		lines = append(lines, line)
	})

	conn := e.sslNew(ctx)
	if ret := e.sslConnect(conn); ret != sslabi.HandshakeSuccess {
		t.Fatalf("SSL_connect: got %d, want %d", ret, sslabi.HandshakeSuccess)
	}
	sess := e.sslGetSession(conn)
	reported := len(lines)

	for i := 0; i < 3; i++ {
		if ret := e.sslDoHandshake(conn); ret != sslabi.HandshakeSuccess {
			t.Fatalf("Repeat %d: got %d, want %d", i, ret, sslabi.HandshakeSuccess)
		}
	}

	if len(lines) != reported {
		t.Errorf("Repeated handshakes added callback lines: got %d, want %d", len(lines), reported)
	}
	if got := e.sslGetSession(conn); got != sess {
		t.Error("Repeated handshake replaced the session")
	}

	t.Logf("✅ Re-running the handshake changed nothing")
}

// TestHandshakeNoSharedSuite verifies the failure path when the offer
// cannot be satisfied.
func TestHandshakeNoSharedSuite(t *testing.T) {
	e := New(Config{})
	ctx := e.NewContext()
	// Only a 1.3 suite on offer but the context capped at 1.2
	ctx.SetCipherSuites([]uint16{TLS_AES_128_GCM_SHA256})
	ctx.SetMaxVersion(VersionTLS12)

	conn := e.sslNew(ctx)
	if ret := e.sslConnect(conn); ret != sslabi.HandshakeError {
		t.Fatalf("SSL_connect: got %d, want %d", ret, sslabi.HandshakeError)
	}
	if conn.(*Conn).Established() {
		t.Error("Connection established despite failed handshake")
	}
	if sess := e.sslGetSession(conn); sess != nil {
		t.Error("Failed handshake produced a session")
	}

	t.Logf("✅ Unsatisfiable offer fails the handshake")
}

// TestGetSessionNil pins down that a connection without a session
// yields an untyped nil, so callers comparing against nil see nil.
func TestGetSessionNil(t *testing.T) {
	e := New(Config{})
	conn := e.sslNew(e.NewContext())

	sess := e.sslGetSession(conn)
	if sess != nil {
		t.Fatalf("Fresh connection session: got %#v, want nil", sess)
	}
}

// TestNilHandleSafety feeds nil and foreign handles to every entry
// point.
func TestNilHandleSafety(t *testing.T) {
	e := New(Config{})
	foreign := struct{ x int }{}

	if conn := e.sslNew(nil); conn != nil {
		t.Error("SSL_new(nil) did not return nil")
	}
	if conn := e.sslNew(foreign); conn != nil {
		t.Error("SSL_new(foreign) did not return nil")
	}
	if ret := e.sslConnect(nil); ret != sslabi.HandshakeError {
		t.Errorf("SSL_connect(nil): got %d, want %d", ret, sslabi.HandshakeError)
	}
	if ret := e.sslAccept(foreign); ret != sslabi.HandshakeError {
		t.Errorf("SSL_accept(foreign): got %d, want %d", ret, sslabi.HandshakeError)
	}
	if ret := e.sslDoHandshake(nil); ret != sslabi.HandshakeError {
		t.Errorf("SSL_do_handshake(nil): got %d, want %d", ret, sslabi.HandshakeError)
	}
	var buf [64]byte
	if n := e.sslGetClientRandom(nil, buf[:]); n != 0 {
		t.Errorf("SSL_get_client_random(nil): got %d, want 0", n)
	}
	if n := e.sslSessionGetMasterKey(nil, buf[:]); n != 0 {
		t.Errorf("SSL_SESSION_get_master_key(nil): got %d, want 0", n)
	}
	if sess := e.sslGetSession(nil); sess != nil {
		t.Error("SSL_get_session(nil) did not return nil")
	}
	if ret := e.sslSetSession(nil, nil); ret != 0 {
		t.Errorf("SSL_set_session(nil): got %d, want 0", ret)
	}
	e.sslSetKeylogCallback(nil, nil)
	e.sslSetKeylogCallback(foreign, nil)

	t.Logf("✅ All entry points tolerate nil and foreign handles")
}

// TestLegacyEngine checks that a legacy build negotiates TLS 1.2 and
// works without any callback.
func TestLegacyEngine(t *testing.T) {
	e := New(Config{Legacy: true})
	ctx := e.NewContext()

	conn := e.sslNew(ctx)
	if ret := e.sslConnect(conn); ret != sslabi.HandshakeSuccess {
		t.Fatalf("SSL_connect: got %d, want %d", ret, sslabi.HandshakeSuccess)
	}
	if got := conn.(*Conn).ProtocolVersion(); got != VersionTLS12 {
		t.Errorf("Protocol version: got 0x%04x, want 0x%04x", got, VersionTLS12)
	}

	sess := e.sslGetSession(conn)
	if sess == nil {
		t.Fatal("SSL_get_session returned nil after handshake")
	}
	var master [sslabi.MaxMasterKeySize]byte
	if n := e.sslSessionGetMasterKey(sess, master[:]); n != masterSecretLength {
		t.Errorf("Master key size: got %d, want %d", n, masterSecretLength)
	}

	t.Logf("✅ Legacy engine negotiated TLS 1.2 with a %d-byte master secret", masterSecretLength)
}

// TestEngineThroughTable resolves the engine the way an application
// would: registered in a symbol table and asserted to the conventional
// signatures.
func TestEngineThroughTable(t *testing.T) {
	table := symtab.NewTable()
	e := New(Config{})
	table.Register(symtab.Module{Name: "minissl", Exports: e.Exports()})

	sym, ok := table.Resolve(sslabi.SymCtxNew)
	if !ok {
		t.Fatalf("Cannot resolve %s", sslabi.SymCtxNew)
	}
	ctxNew, ok := sym.(sslabi.NewCtxFunc)
	if !ok {
		t.Fatalf("%s has type %T", sslabi.SymCtxNew, sym)
	}

	sym, _ = table.Resolve(sslabi.SymNew)
	sslNew, ok := sym.(sslabi.NewConnFunc)
	if !ok {
		t.Fatalf("%s has type %T", sslabi.SymNew, sym)
	}
	sym, _ = table.Resolve(sslabi.SymConnect)
	sslConnect, ok := sym.(sslabi.HandshakeFunc)
	if !ok {
		t.Fatalf("%s has type %T", sslabi.SymConnect, sym)
	}
	sym, _ = table.Resolve(sslabi.SymVersion)
	version, ok := sym.(sslabi.VersionFunc)
	if !ok {
		t.Fatalf("%s has type %T", sslabi.SymVersion, sym)
	}

	ctx := ctxNew()
	conn := sslNew(ctx)
	if ret := sslConnect(conn); ret != sslabi.HandshakeSuccess {
		t.Fatalf("SSL_connect via table: got %d, want %d", ret, sslabi.HandshakeSuccess)
	}

	t.Logf("✅ Handshake completed through %s", version())
}

// TestConcurrentHandshakes drives separate connections from many
// goroutines.
func TestConcurrentHandshakes(t *testing.T) {
	e := New(Config{})
	ctx := e.NewContext()

	var mu sync.Mutex
	var lines []string
	e.sslSetKeylogCallback(ctx, func(conn sslabi.Conn, line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	const workers = 16
	var wg sync.WaitGroup
	var failed int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := e.sslNew(ctx)
			if ret := e.sslConnect(conn); ret != sslabi.HandshakeSuccess {
				atomic.AddInt32(&failed, 1)
			}
		}()
	}
	wg.Wait()
	if failed > 0 {
		t.Fatalf("%d of %d concurrent handshakes failed", failed, workers)
	}

	// 4 traffic secrets per TLS 1.3 handshake, every line intact
	if len(lines) != 4*workers {
		t.Fatalf("Callback lines: got %d, want %d", len(lines), 4*workers)
	}
	for i, line := range lines {
		if _, _, _, err := keylog.ParseLine(line); err != nil {
			t.Errorf("Line %d does not parse: %v", i, err)
		}
	}
	if got := ctx.SessionCount(); got != workers {
		t.Errorf("Session count: got %d, want %d", got, workers)
	}

	t.Logf("✅ %d concurrent handshakes produced %d intact lines", workers, len(lines))
}
