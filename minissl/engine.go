package minissl

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tls-keytap/shared"
	"tls-keytap/sslabi"
	"tls-keytap/symtab"
)

// Config configures an Engine.
type Config struct {
	// Legacy builds the engine without the native key log callback and
	// caps negotiation at TLS 1.2, matching the pre-1.1.1 feature set.
	Legacy bool

	// CipherSuites restricts what the engine is willing to negotiate.
	// Nil means the defaults for every version the engine speaks.
	CipherSuites []uint16

	// Logger receives the engine's debug output. Nil means silent.
	Logger *shared.Logger
}

// Engine is one loadable handshake library. Its entry points are
// published through Exports; everything reachable from them is safe
// for concurrent use.
type Engine struct {
	legacy bool
	suites []uint16
	log    *shared.Logger
}

// New builds an engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		legacy: cfg.Legacy,
		suites: cfg.CipherSuites,
		log:    cfg.Logger,
	}
	if e.log == nil {
		e.log = shared.NopLogger()
	}
	if e.suites == nil {
		if !e.legacy {
			e.suites = append(e.suites, defaultCipherSuites(VersionTLS13)...)
		}
		e.suites = append(e.suites, defaultCipherSuites(VersionTLS12)...)
	}
	return e
}

// maxVersion is the highest protocol version the engine itself speaks.
func (e *Engine) maxVersion() uint16 {
	if e.legacy {
		return VersionTLS12
	}
	return VersionTLS13
}

// Version mirrors OpenSSL_version: a human-readable build string.
func (e *Engine) Version() string {
	if e.legacy {
		return "MiniSSL 1.1.0"
	}
	return "MiniSSL 1.1.1"
}

// Exports returns the engine's symbol table for registration with a
// symtab.Table. Legacy engines omit SSL_CTX_set_keylog_callback, the
// way pre-1.1.1 libssl builds do.
func (e *Engine) Exports() symtab.ExportMap {
	m := symtab.ExportMap{
		sslabi.SymCtxNew:              sslabi.NewCtxFunc(e.sslCtxNew),
		sslabi.SymNew:                 sslabi.NewConnFunc(e.sslNew),
		sslabi.SymConnect:             sslabi.HandshakeFunc(e.sslConnect),
		sslabi.SymAccept:              sslabi.HandshakeFunc(e.sslAccept),
		sslabi.SymDoHandshake:         sslabi.HandshakeFunc(e.sslDoHandshake),
		sslabi.SymGetClientRandom:     sslabi.ClientRandomFunc(e.sslGetClientRandom),
		sslabi.SymSessionGetMasterKey: sslabi.MasterKeyFunc(e.sslSessionGetMasterKey),
		sslabi.SymGetSession:          sslabi.ConnSessionFunc(e.sslGetSession),
		sslabi.SymSetSession:          sslabi.SetSessionFunc(e.sslSetSession),
		sslabi.SymVersion:             sslabi.VersionFunc(e.Version),
	}
	if !e.legacy {
		m[sslabi.SymSetKeylogCallback] = sslabi.SetKeylogCallbackFunc(e.sslSetKeylogCallback)
	}
	return m
}

// Context is the engine's SSL_CTX: settings shared by the connections
// created from it, the registered key log callback, and the session
// cache.
type Context struct {
	eng *Engine
	id  string

	mu     sync.Mutex
	maxVer uint16
	suites []uint16
	keylog sslabi.KeylogCallback
	cache  map[string]*SessionState
}

// NewContext creates a context offering the engine's full suite and
// version range.
func (e *Engine) NewContext() *Context {
	return &Context{
		eng:    e,
		id:     uuid.NewString(),
		maxVer: e.maxVersion(),
		suites: e.suites,
		cache:  make(map[string]*SessionState),
	}
}

// ID returns the context's identifier, used in debug logs.
func (c *Context) ID() string { return c.id }

// SetCipherSuites replaces the suites that connections created from
// this context offer.
func (c *Context) SetCipherSuites(suites []uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suites = suites
}

// SetMaxVersion caps the protocol version connections created from
// this context negotiate.
func (c *Context) SetMaxVersion(vers uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxVer = vers
}

// SessionCount reports how many sessions this context has negotiated
// and cached.
func (c *Context) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// offer snapshots the settings a handshake negotiates against.
func (c *Context) offer() (suites []uint16, maxVer uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suites, c.maxVer
}

// callback returns the registered key log callback, if any.
func (c *Context) callback() sslabi.KeylogCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keylog
}

func (c *Context) storeSession(sess *SessionState) {
	c.mu.Lock()
	c.cache[sess.cacheKey()] = sess
	cached := len(c.cache)
	c.mu.Unlock()
	c.eng.log.DebugIf("session cached",
		zap.String("ctx_id", c.id),
		zap.Int("sessions", cached))
}

// Conn is one handshake endpoint (the SSL handle). A connection
// handshakes at most once; repeated handshake calls on an established
// connection succeed without negotiating anything new.
type Conn struct {
	id  string
	ctx *Context

	mu           sync.Mutex
	server       bool
	vers         uint16
	suite        uint16
	clientRandom [sslabi.RandomSize]byte
	haveRandom   bool
	sess         *SessionState
	resuming     bool
	established  bool
}

// ID returns the connection's identifier, used in debug logs.
func (c *Conn) ID() string { return c.id }

// Established reports whether the handshake has completed.
func (c *Conn) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// ProtocolVersion returns the negotiated TLS version, 0 before the
// handshake completes.
func (c *Conn) ProtocolVersion() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established {
		return 0
	}
	return c.vers
}

// CipherSuite returns the negotiated cipher suite, 0 before the
// handshake completes.
func (c *Conn) CipherSuite() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established {
		return 0
	}
	return c.suite
}

// SessionState is the negotiated secret state shared between the
// connections that resume it (the SSL_SESSION handle). Immutable once
// negotiated, so readers need no lock.
type SessionState struct {
	id           [16]byte
	version      uint16
	suite        uint16
	masterSecret []byte
	createdAt    time.Time
}

func (s *SessionState) cacheKey() string {
	return string(s.id[:])
}

// CreatedAt reports when the session was negotiated, in the role of
// SSL_SESSION_get_time.
func (s *SessionState) CreatedAt() time.Time {
	return s.createdAt
}

// Entry point implementations. Each one tolerates nil and foreign
// handle values by reporting the operation unavailable, never
// panicking; a caller holding a handle from another engine gets the
// same answer libssl would give for a stale pointer it can detect.

func (e *Engine) sslCtxNew() sslabi.Ctx {
	return e.NewContext()
}

func (e *Engine) sslNew(ctx sslabi.Ctx) sslabi.Conn {
	c, ok := ctx.(*Context)
	if !ok || c == nil {
		return nil
	}
	conn := &Conn{id: uuid.NewString(), ctx: c}
	e.log.DebugIf("connection created",
		zap.String("conn_id", conn.id),
		zap.String("ctx_id", c.id))
	return conn
}

func (e *Engine) sslConnect(conn sslabi.Conn) int {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return sslabi.HandshakeError
	}
	return e.runHandshake(c, false)
}

func (e *Engine) sslAccept(conn sslabi.Conn) int {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return sslabi.HandshakeError
	}
	return e.runHandshake(c, true)
}

func (e *Engine) sslDoHandshake(conn sslabi.Conn) int {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return sslabi.HandshakeError
	}
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	return e.runHandshake(c, server)
}

func (e *Engine) sslGetClientRandom(conn sslabi.Conn, out []byte) int {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveRandom {
		return 0
	}
	return copy(out, c.clientRandom[:])
}

func (e *Engine) sslSessionGetMasterKey(sess sslabi.Session, out []byte) int {
	s, ok := sess.(*SessionState)
	if !ok || s == nil {
		return 0
	}
	return copy(out, s.masterSecret)
}

func (e *Engine) sslGetSession(conn sslabi.Conn) sslabi.Session {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		// Explicit untyped nil: callers compare against nil directly.
		return nil
	}
	return c.sess
}

func (e *Engine) sslSetSession(conn sslabi.Conn, sess sslabi.Session) int {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return 0
	}
	s, _ := sess.(*SessionState) // nil clears any installed session
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.established {
		return 0
	}
	c.sess = s
	c.resuming = s != nil
	return 1
}

func (e *Engine) sslSetKeylogCallback(ctx sslabi.Ctx, cb sslabi.KeylogCallback) {
	c, ok := ctx.(*Context)
	if !ok || c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keylog = cb
}
