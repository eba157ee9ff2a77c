package main

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"

	"tls-keytap/keylog"
	"tls-keytap/keytap"
	"tls-keytap/minissl"
	"tls-keytap/shared"
	"tls-keytap/sslabi"
	"tls-keytap/symtab"
)

const concurrentHandshakes = 8

// entryPoints holds the symbols the demo resolved from the process
// table, the same set a linked application would use.
type entryPoints struct {
	ctxNew      sslabi.NewCtxFunc
	sslNew      sslabi.NewConnFunc
	connect     sslabi.HandshakeFunc
	accept      sslabi.HandshakeFunc
	doHandshake sslabi.HandshakeFunc
	getSession  sslabi.ConnSessionFunc
	setSession  sslabi.SetSessionFunc
	version     sslabi.VersionFunc
}

func main() {
	_ = godotenv.Load()

	fmt.Println("🔑 TLS Keytap - Instrumented Handshake Demo")
	fmt.Println(strings.Repeat("=", 50))

	flavor := shared.GetEnvOrDefault(shared.EnvEngine, "modern")
	legacy := flavor == "legacy"
	if flavor != "modern" && flavor != "legacy" {
		log.Fatalf("%s must be \"modern\" or \"legacy\", got %q", shared.EnvEngine, flavor)
	}

	path := os.Getenv(keylog.EnvFile)
	if path == "" {
		path = filepath.Join(os.TempDir(), "keytap-demo-keys.log")
		os.Setenv(keylog.EnvFile, path)
		fmt.Printf("📁 %s not set, writing key log to %s\n", keylog.EnvFile, path)
	}

	eng := minissl.New(minissl.Config{Legacy: legacy})
	symtab.Process().Register(symtab.Module{
		Name:    sslabi.DefaultLibrary,
		Exports: eng.Exports(),
	})

	tap := keytap.Install()
	defer tap.Close()

	fmt.Printf("🔧 Engine: %s (%s flavor), tap installed ahead of it\n", eng.Version(), flavor)
	fmt.Println()

	if err := runDemo(tap, legacy, path); err != nil {
		log.Fatalf("Demo failed: %v", err)
	}

	fmt.Println("\n✅ Demo completed successfully!")
}

func runDemo(tap *keytap.Tap, legacy bool, path string) error {
	eps := resolveEntryPoints()

	// Step 1: fresh client handshake through the tap
	fmt.Println("🤝 Step 1: Fresh client handshake (SSL_connect)")
	ctx := eps.ctxNew()
	conn := eps.sslNew(ctx)
	if ret := eps.connect(conn); ret != sslabi.HandshakeSuccess {
		return fmt.Errorf("SSL_connect returned %d", ret)
	}
	mconn := conn.(*minissl.Conn)
	fmt.Printf("   Negotiated %s with %s\n",
		tls.VersionName(mconn.ProtocolVersion()),
		tls.CipherSuiteName(mconn.CipherSuite()))
	fmt.Printf("   Capture mode: %s, records so far: %d\n", tap.Mode(), tap.Writer().Records())

	// Step 2: hand the session to a second connection
	fmt.Println("\n🔁 Step 2: Session resumption (SSL_get_session / SSL_set_session)")
	sess := eps.getSession(conn)
	if sess == nil {
		return fmt.Errorf("no session available after a successful handshake")
	}
	resumed := eps.sslNew(ctx)
	eps.setSession(resumed, sess)
	before := tap.Writer().Records()
	if ret := eps.connect(resumed); ret != sslabi.HandshakeSuccess {
		return fmt.Errorf("resumed SSL_connect returned %d", ret)
	}
	delta := tap.Writer().Records() - before
	if legacy {
		fmt.Printf("   Session reused, master secret unchanged, %d new records\n", delta)
	} else {
		fmt.Printf("   TLS 1.3 ignores the offered session and ran a full handshake, %d new records\n", delta)
	}

	// Step 3: server role
	fmt.Println("\n🛎️  Step 3: Server-side handshake (SSL_accept)")
	server := eps.sslNew(ctx)
	before = tap.Writer().Records()
	if ret := eps.accept(server); ret != sslabi.HandshakeSuccess {
		return fmt.Errorf("SSL_accept returned %d", ret)
	}
	fmt.Printf("   Accept snapshots the session in every mode, %d new records\n",
		tap.Writer().Records()-before)

	// Step 4: a handshake that cannot succeed
	fmt.Println("\n🚫 Step 4: Handshake with no shared cipher suite")
	badCtx := eps.ctxNew()
	badCtx.(*minissl.Context).SetCipherSuites([]uint16{minissl.TLS_AES_128_GCM_SHA256})
	badCtx.(*minissl.Context).SetMaxVersion(minissl.VersionTLS12)
	badConn := eps.sslNew(badCtx)
	before = tap.Writer().Records()
	if ret := eps.doHandshake(badConn); ret != sslabi.HandshakeError {
		return fmt.Errorf("expected SSL_do_handshake to fail, got %d", ret)
	}
	fmt.Printf("   SSL_do_handshake returned %d, %d new records\n",
		sslabi.HandshakeError, tap.Writer().Records()-before)

	// Step 5: hammer the tap from several goroutines
	fmt.Printf("\n⚡ Step 5: %d concurrent handshakes\n", concurrentHandshakes)
	var wg sync.WaitGroup
	var failed int32
	for i := 0; i < concurrentHandshakes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := eps.sslNew(ctx)
			if ret := eps.connect(c); ret != sslabi.HandshakeSuccess {
				atomic.AddInt32(&failed, 1)
			}
		}()
	}
	wg.Wait()
	if failed > 0 {
		return fmt.Errorf("%d concurrent handshakes failed", failed)
	}
	fmt.Printf("   All %d handshakes completed\n", concurrentHandshakes)

	// Summary
	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("📊 Summary")
	fmt.Printf("   Engine version:  %s\n", eps.version())
	fmt.Printf("   Capture mode:    %s\n", tap.Mode())
	fmt.Printf("   Records written: %d\n", tap.Writer().Records())
	fmt.Printf("   Records dropped: %d\n", tap.Writer().Dropped())
	fmt.Printf("   Sessions cached: %d\n", ctx.(*minissl.Context).SessionCount())
	fmt.Printf("   Key log file:    %s\n", path)
	return nil
}

// resolveEntryPoints pulls every symbol the demo needs out of the
// process table. The handshake entry points land on the tap's
// wrappers, the rest fall through to the engine.
func resolveEntryPoints() entryPoints {
	tbl := symtab.Process()
	return entryPoints{
		ctxNew:      mustResolve(tbl, sslabi.SymCtxNew).(sslabi.NewCtxFunc),
		sslNew:      mustResolve(tbl, sslabi.SymNew).(sslabi.NewConnFunc),
		connect:     mustResolve(tbl, sslabi.SymConnect).(sslabi.HandshakeFunc),
		accept:      mustResolve(tbl, sslabi.SymAccept).(sslabi.HandshakeFunc),
		doHandshake: mustResolve(tbl, sslabi.SymDoHandshake).(sslabi.HandshakeFunc),
		getSession:  mustResolve(tbl, sslabi.SymGetSession).(sslabi.ConnSessionFunc),
		setSession:  mustResolve(tbl, sslabi.SymSetSession).(sslabi.SetSessionFunc),
		version:     mustResolve(tbl, sslabi.SymVersion).(sslabi.VersionFunc),
	}
}

func mustResolve(tbl *symtab.Table, name string) any {
	v, ok := tbl.Resolve(name)
	if !ok {
		log.Fatalf("symbol %s not found in process table", name)
	}
	return v
}
