package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// writeIdentity creates a self-signed PKCS#12 archive protected by password.
func writeIdentity(t *testing.T, password string) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	data, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	path := filepath.Join(t.TempDir(), "identity.pfx")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	return path
}

func testConfig(t *testing.T) Config {
	t.Helper()

	root := filepath.Join(t.TempDir(), "static")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>home</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.TLSPort = 0
	cfg.Threads = 2
	cfg.StaticFolder = root
	return cfg
}

// startServer runs srv until the test ends.
func startServer(t *testing.T, srv *Server) {
	t.Helper()

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Serve did not return after cancel")
		}
		srv.Close()
	})
}

func send(t *testing.T, conn net.Conn, request string) string {
	t.Helper()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, request); err != nil {
		t.Fatalf("write request: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return string(out)
}

func get(t *testing.T, addr net.Addr, path string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return send(t, conn, fmt.Sprintf("GET %s HTTP/1.1\r\nHost: localhost\r\n\r\n", path))
}

func TestServerStaticAndNotFound(t *testing.T) {
	srv, err := NewServer(testConfig(t), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	startServer(t, srv)

	resp := get(t, srv.Addr(), "/static/index.html")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "<h1>home</h1>") {
		t.Fatalf("unexpected static response %q", resp)
	}

	resp = get(t, srv.Addr(), "/nothing/here")
	if !strings.HasPrefix(resp, "HTTP/1.1 404 Not Found\r\n") || !strings.HasSuffix(resp, NotFoundBody) {
		t.Fatalf("unexpected 404 response %q", resp)
	}
}

func TestServerApplication(t *testing.T) {
	app := AppFunc(func(_ context.Context, req *Request) (string, error) {
		if req.Path == "/fail" {
			return "", ApplicationError{Message: "failed on purpose"}
		}
		return FormatRaw(200, "", Header{{Name: "Content-Type", Value: "text/plain"}}, "app:"+req.Path), nil
	})

	srv, err := NewServer(testConfig(t), app)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	startServer(t, srv)

	resp := get(t, srv.Addr(), "/hello")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "app:/hello") {
		t.Fatalf("unexpected app response %q", resp)
	}

	resp = get(t, srv.Addr(), "/fail")
	if !strings.HasPrefix(resp, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Fatalf("unexpected error response %q", resp)
	}
}

func TestServerConcurrentClients(t *testing.T) {
	srv, err := NewServer(testConfig(t), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	startServer(t, srv)

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				errs <- err.Error()
				return
			}
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			io.WriteString(conn, "GET /static/index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
			out, _ := io.ReadAll(conn)
			conn.Close()
			if !strings.HasPrefix(string(out), "HTTP/1.1 200 OK") {
				errs <- string(out)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("bad response: %q", e)
	}

	// the response is complete before the request is recorded
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := srv.Metrics().Snapshot().ByRoute["/static/index.html"]
		if got != nil && got.Count == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 20 recorded requests, got %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerCloseStopsServe(t *testing.T) {
	srv, err := NewServer(testConfig(t), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	addr := srv.Addr()
	if addr == nil {
		t.Fatalf("server never bound")
	}

	srv.Close()
	srv.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ListenAndServe did not return after Close")
	}

	if _, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting after Close")
	}
	if err := srv.Listen(); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
}

func TestServerListenError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	cfg := testConfig(t)
	cfg.Port = taken.Addr().(*net.TCPAddr).Port
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	err = srv.Listen()
	var le ListenError
	if !errors.As(err, &le) {
		t.Fatalf("expected ListenError, got %v", err)
	}
	if !strings.HasSuffix(le.Addr, fmt.Sprint(cfg.Port)) {
		t.Fatalf("unexpected address in error %q", le.Addr)
	}
}

func TestNewServerRejectsZeroThreads(t *testing.T) {
	cfg := testConfig(t)
	cfg.Threads = 0
	if _, err := NewServer(cfg, nil); !errors.Is(err, ErrInvalidPoolSize) {
		t.Fatalf("expected ErrInvalidPoolSize, got %v", err)
	}
}

func TestNewServerMissingStaticFolder(t *testing.T) {
	cfg := testConfig(t)
	cfg.StaticFolder = filepath.Join(t.TempDir(), "absent")

	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("missing static folder should not be fatal: %v", err)
	}
	defer srv.Close()
	if srv.Routes().Len() != 0 {
		t.Fatalf("expected empty route table")
	}
}

func TestServerTLS(t *testing.T) {
	t.Setenv(PasswordEnv, "")
	os.Unsetenv(PasswordEnv)

	cfg := testConfig(t)
	cfg.HTTPSCert = writeIdentity(t, "s3cret")
	cfg.CertPassword = "s3cret"

	var scheme string
	var mu sync.Mutex
	app := AppFunc(func(_ context.Context, req *Request) (string, error) {
		mu.Lock()
		scheme = req.Scheme
		mu.Unlock()
		return FormatRaw(200, "", nil, "secure"), nil
	})

	srv, err := NewServer(cfg, app)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	startServer(t, srv)

	if srv.TLSAddr() == nil {
		t.Fatalf("TLS listener not bound")
	}

	conn, err := tls.Dial("tcp", srv.TLSAddr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	resp := send(t, conn, "GET /api HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "secure") {
		t.Fatalf("unexpected TLS response %q", resp)
	}
	mu.Lock()
	if scheme != "https" {
		t.Fatalf("expected https scheme, got %q", scheme)
	}
	mu.Unlock()

	conn, err = tls.Dial("tcp", srv.TLSAddr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	secure := send(t, conn, "GET /static/index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")

	// the plaintext listener keeps working alongside TLS
	plain := get(t, srv.Addr(), "/static/index.html")
	if !strings.HasPrefix(plain, "HTTP/1.1 200 OK\r\n") || !strings.HasPrefix(secure, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected static responses: tls %q plain %q", secure, plain)
	}
	_, secureBody, _ := strings.Cut(secure, "\r\n\r\n")
	_, plainBody, _ := strings.Cut(plain, "\r\n\r\n")
	if secureBody != plainBody || secureBody != "<h1>home</h1>" {
		t.Fatalf("TLS body %q differs from plaintext body %q", secureBody, plainBody)
	}
}

func TestServerTLSHandshakeFailureKeepsServing(t *testing.T) {
	t.Setenv(PasswordEnv, "")
	os.Unsetenv(PasswordEnv)

	cfg := testConfig(t)
	cfg.HTTPSCert = writeIdentity(t, "pw")
	cfg.CertPassword = "pw"
	cfg.HandshakeTimeout = 200 * time.Millisecond

	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	startServer(t, srv)

	// plaintext bytes on the TLS port fail the handshake
	bad, err := net.Dial("tcp", srv.TLSAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	io.WriteString(bad, "GET / HTTP/1.1\r\n\r\n")
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	io.ReadAll(bad)
	bad.Close()

	conn, err := tls.Dial("tcp", srv.TLSAddr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial after failed handshake: %v", err)
	}
	resp := send(t, conn, "GET /static/index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected response %q", resp)
	}
}

func TestResolvePassword(t *testing.T) {
	t.Setenv(PasswordEnv, "from-env")
	pw, err := ResolvePassword("from-config")
	if err != nil || pw != "from-env" {
		t.Fatalf("expected environment to win, got %q %v", pw, err)
	}

	os.Unsetenv(PasswordEnv)
	pw, err = ResolvePassword("from-config")
	if err != nil || pw != "from-config" {
		t.Fatalf("expected configured password, got %q %v", pw, err)
	}

	if _, err := ResolvePassword(""); !errors.Is(err, ErrMissingPassword) {
		t.Fatalf("expected ErrMissingPassword, got %v", err)
	}
}

func TestNewServerIdentityErrors(t *testing.T) {
	t.Setenv(PasswordEnv, "")
	os.Unsetenv(PasswordEnv)

	path := writeIdentity(t, "right")

	cfg := testConfig(t)
	cfg.HTTPSCert = path

	_, err := NewServer(cfg, nil)
	var ie IdentityError
	if !errors.As(err, &ie) || !errors.Is(err, ErrMissingPassword) {
		t.Fatalf("expected IdentityError wrapping ErrMissingPassword, got %v", err)
	}

	cfg.CertPassword = "wrong"
	if _, err := NewServer(cfg, nil); !errors.As(err, &ie) {
		t.Fatalf("expected IdentityError for wrong password, got %v", err)
	}

	cfg.HTTPSCert = filepath.Join(t.TempDir(), "missing.pfx")
	cfg.CertPassword = "right"
	if _, err := NewServer(cfg, nil); !errors.As(err, &ie) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected IdentityError for missing file, got %v", err)
	}

	t.Setenv(PasswordEnv, "right")
	cfg.HTTPSCert = path
	cfg.CertPassword = "wrong"
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("environment password should win over config: %v", err)
	}
	srv.Close()
}

func TestBackoff(t *testing.T) {
	d := backoff(0)
	if d != 5*time.Millisecond {
		t.Fatalf("unexpected first delay %v", d)
	}
	for i := 0; i < 20; i++ {
		d = backoff(d)
	}
	if d != time.Second {
		t.Fatalf("delay not capped at one second: %v", d)
	}
}
