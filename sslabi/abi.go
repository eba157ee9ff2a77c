// Package sslabi declares the call surface shared by libssl-style
// handshake engines and their callers. Engines export their entry
// points under the conventional symbol names below; callers resolve
// them through the process symbol table and invoke them through the
// typed signatures. Handle types are opaque: their concrete types are
// owned by the engine that created them and must not be inspected by
// anyone else.
package sslabi

// Opaque handles, in the roles of SSL_CTX, SSL and SSL_SESSION.
// A nil handle means "no object": engines return nil on failure and
// accept nil by reporting the operation unavailable, never panicking.
type (
	Ctx     any
	Conn    any
	Session any
)

// Handshake return codes, following libssl's convention.
const (
	HandshakeSuccess = 1  // handshake completed, connection established
	HandshakeFailure = 0  // handshake shut down controlled
	HandshakeError   = -1 // fatal error or connection failure
)

// Fixed sizes from the TLS wire protocol.
const (
	RandomSize       = 32 // SSL3_RANDOM_SIZE
	MaxMasterKeySize = 48 // SSL_MAX_MASTER_KEY_LENGTH
)

// DefaultLibrary is the library name resolvers fall back to opening
// when a symbol is not found in the already-registered modules, the
// way an interposer dlopens libssl.so when RTLD_NEXT comes up empty.
const DefaultLibrary = "libssl"

// Typed signatures for the exported entry points. ClientRandomFunc and
// MasterKeyFunc copy up to len(out) bytes and return the number copied;
// 0 means the value is not (yet) available. SetSessionFunc installs a
// previously negotiated session on a connection ahead of its handshake
// (resumption) and returns 1 on success.
type (
	NewCtxFunc       func() Ctx
	NewConnFunc      func(ctx Ctx) Conn
	HandshakeFunc    func(conn Conn) int
	ClientRandomFunc func(conn Conn, out []byte) int
	MasterKeyFunc    func(sess Session, out []byte) int
	ConnSessionFunc  func(conn Conn) Session
	SetSessionFunc   func(conn Conn, sess Session) int
	VersionFunc      func() string

	// KeylogCallback receives one NSS-format key log line per derived
	// secret, without a trailing newline, exactly as libssl delivers it.
	KeylogCallback        func(conn Conn, line string)
	SetKeylogCallbackFunc func(ctx Ctx, cb KeylogCallback)
)

// Conventional symbol names. SymSetKeylogCallback is optional and
// version-gated: engines predating the native key log callback do not
// export it.
const (
	SymCtxNew              = "SSL_CTX_new"
	SymNew                 = "SSL_new"
	SymConnect             = "SSL_connect"
	SymAccept              = "SSL_accept"
	SymDoHandshake         = "SSL_do_handshake"
	SymGetClientRandom     = "SSL_get_client_random"
	SymSessionGetMasterKey = "SSL_SESSION_get_master_key"
	SymGetSession          = "SSL_get_session"
	SymSetSession          = "SSL_set_session"
	SymSetKeylogCallback   = "SSL_CTX_set_keylog_callback"
	SymVersion             = "OpenSSL_version"
)
