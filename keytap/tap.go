// Package keytap captures TLS session secrets from libssl-style
// handshake engines without touching the application or the engine.
// A Tap interposes on the conventional entry points, delegates every
// call to the real engine, and appends one NSS key log line per fresh
// handshake to the file named by SSLKEYLOGFILE.
package keytap

import (
	"sync"

	"go.uber.org/zap"

	"tls-keytap/keylog"
	"tls-keytap/shared"
	"tls-keytap/sslabi"
	"tls-keytap/symtab"
)

// CaptureMode says where key material comes from. Picked once during
// the one-time binding and fixed for the life of the tap.
type CaptureMode int

const (
	// HookMode snapshots the session's master key around each
	// handshake and logs it when it changed.
	HookMode CaptureMode = iota
	// CallbackMode registers the tap with the engine's native key log
	// callback and lets the engine report every derived secret.
	CallbackMode
)

func (m CaptureMode) String() string {
	switch m {
	case CallbackMode:
		return "callback"
	case HookMode:
		return "hook"
	default:
		return "unknown"
	}
}

// DefaultModuleName is the name the tap registers under in the symbol
// search order.
const DefaultModuleName = "keytap"

// Config controls how a Tap binds to its engine. The zero value binds
// to the process table with environment-driven logging and key log
// output.
type Config struct {
	Table      *symtab.Table  // nil means the process table
	Logger     *shared.Logger // nil means environment-configured
	ModuleName string         // name in the search order, default "keytap"
	Writer     *keylog.Writer // nil means open from SSLKEYLOGFILE at first use
}

// Tap is one interposer instance. All methods are safe for concurrent
// use; the entry points and capture mode are bound exactly once, on
// the first intercepted call.
type Tap struct {
	table *symtab.Table
	log   *shared.Logger
	name  string

	initOnce   sync.Once
	entries    entryPoints
	mode       CaptureMode
	writer     *keylog.Writer
	ownsWriter bool

	installOnce sync.Once
	closeOnce   sync.Once
}

// entryPoints holds the engine functions the tap delegates to. Filled
// during the one-time binding and read-only afterwards, so the hot
// path needs no locking.
type entryPoints struct {
	newConn      sslabi.NewConnFunc
	connect      sslabi.HandshakeFunc
	accept       sslabi.HandshakeFunc
	doHandshake  sslabi.HandshakeFunc
	clientRandom sslabi.ClientRandomFunc
	masterKey    sslabi.MasterKeyFunc
	session      sslabi.ConnSessionFunc
	setKeylog    sslabi.SetKeylogCallbackFunc // nil when the engine has no callback
}

// New builds a tap from cfg without binding anything yet.
func New(cfg Config) *Tap {
	t := &Tap{
		table:  cfg.Table,
		log:    cfg.Logger,
		name:   cfg.ModuleName,
		writer: cfg.Writer,
	}
	if t.table == nil {
		t.table = symtab.Process()
	}
	if t.name == "" {
		t.name = DefaultModuleName
	}
	if t.log == nil {
		logger, err := shared.NewLoggerFromEnv("keytap")
		if err != nil {
			logger = shared.NopLogger()
		}
		t.log = logger
	}
	return t
}

var (
	defaultTap  *Tap
	defaultOnce sync.Once
)

// Default returns the process-wide tap.
func Default() *Tap {
	defaultOnce.Do(func() {
		defaultTap = New(Config{})
	})
	return defaultTap
}

// Install registers the default tap ahead of every module in the
// process table, so applications resolving the conventional entry
// points dispatch through it.
func Install() *Tap {
	return Default().Install()
}

// Install puts the tap's exports at the front of its table's search
// order. Idempotent. Only lookups made after Install dispatch through
// the tap; entry points an application resolved earlier keep pointing
// at the engine.
func (t *Tap) Install() *Tap {
	t.installOnce.Do(func() {
		t.table.Prepend(symtab.Module{Name: t.name, Exports: t.Exports()})
	})
	return t
}

// Exports is the tap's visible surface: only the handshake entry
// points are shadowed. Every other symbol falls through to the engine.
func (t *Tap) Exports() symtab.ExportMap {
	return symtab.ExportMap{
		sslabi.SymNew:         sslabi.NewConnFunc(t.SSLNew),
		sslabi.SymConnect:     sslabi.HandshakeFunc(t.SSLConnect),
		sslabi.SymAccept:      sslabi.HandshakeFunc(t.SSLAccept),
		sslabi.SymDoHandshake: sslabi.HandshakeFunc(t.SSLDoHandshake),
	}
}

// Mode reports how secrets are captured. Like the hooks, calling it
// triggers the one-time binding.
func (t *Tap) Mode() CaptureMode {
	t.ensureInit()
	return t.mode
}

// Writer exposes the key log sink, mainly for status surfaces.
func (t *Tap) Writer() *keylog.Writer {
	t.ensureInit()
	return t.writer
}

func (t *Tap) ensureInit() {
	t.initOnce.Do(t.initialize)
}

// initialize binds the tap to its engine: mandatory entry points are
// resolved or the process goes down, the optional callback decides the
// capture mode, and the key log sink is opened.
func (t *Tap) initialize() {
	var ok bool
	if t.entries.newConn, ok = t.mustResolve(sslabi.SymNew).(sslabi.NewConnFunc); !ok {
		t.badType(sslabi.SymNew)
	}
	if t.entries.connect, ok = t.mustResolve(sslabi.SymConnect).(sslabi.HandshakeFunc); !ok {
		t.badType(sslabi.SymConnect)
	}
	if t.entries.accept, ok = t.mustResolve(sslabi.SymAccept).(sslabi.HandshakeFunc); !ok {
		t.badType(sslabi.SymAccept)
	}
	if t.entries.doHandshake, ok = t.mustResolve(sslabi.SymDoHandshake).(sslabi.HandshakeFunc); !ok {
		t.badType(sslabi.SymDoHandshake)
	}
	if t.entries.clientRandom, ok = t.mustResolve(sslabi.SymGetClientRandom).(sslabi.ClientRandomFunc); !ok {
		t.badType(sslabi.SymGetClientRandom)
	}
	if t.entries.masterKey, ok = t.mustResolve(sslabi.SymSessionGetMasterKey).(sslabi.MasterKeyFunc); !ok {
		t.badType(sslabi.SymSessionGetMasterKey)
	}
	if t.entries.session, ok = t.mustResolve(sslabi.SymGetSession).(sslabi.ConnSessionFunc); !ok {
		t.badType(sslabi.SymGetSession)
	}

	// The callback registration is optional: older engines never
	// export it, and a wrong type counts as absent.
	if sym, ok := t.resolve(sslabi.SymSetKeylogCallback); ok {
		if fn, ok := sym.(sslabi.SetKeylogCallbackFunc); ok {
			t.entries.setKeylog = fn
		}
	}
	if t.entries.setKeylog != nil {
		t.mode = CallbackMode
	} else {
		t.mode = HookMode
	}

	if t.writer == nil {
		t.writer = keylog.OpenFromEnv(t.log.Logger)
		t.ownsWriter = true
	}

	t.log.InfoIf("tap bound to engine",
		zap.String("mode", t.mode.String()),
		zap.Bool("keylog_enabled", t.writer.Enabled()))
}

// resolve looks name up past this tap in the search order, falling
// back to opening the default engine library when the walk comes up
// empty.
func (t *Tap) resolve(name string) (any, bool) {
	if sym, ok := t.table.ResolveAfter(t.name, name); ok {
		return sym, true
	}
	if exp, ok := t.table.Open(sslabi.DefaultLibrary); ok {
		if sym, ok := exp.Lookup(name); ok {
			t.log.DebugIf("entry point resolved via library open",
				zap.String("symbol", name),
				zap.String("library", sslabi.DefaultLibrary))
			return sym, true
		}
	}
	return nil, false
}

// mustResolve is for the entry points the tap cannot function
// without: a miss takes the process down.
func (t *Tap) mustResolve(name string) any {
	sym, ok := t.resolve(name)
	if !ok {
		t.log.WithSymbol(name).Fatal("cannot look up mandatory entry point")
	}
	return sym
}

func (t *Tap) badType(name string) {
	t.log.WithSymbol(name).Fatal("entry point has unexpected type")
}

// Close releases the key log sink if the tap opened it itself.
// Injected writers belong to their owner and stay open. Idempotent.
func (t *Tap) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.ownsWriter && t.writer != nil {
			err = t.writer.Close()
		}
	})
	return err
}
