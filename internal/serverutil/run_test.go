package serverutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type running struct {
	addr   net.Addr
	cancel context.CancelFunc
	done   chan error
}

// start runs cfg in the background and waits for the listener.
func start(t *testing.T, cfg Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan net.Addr, 1)
	cfg.Ready = ready
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = time.Second
	}
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- Run(ctx, cfg) }()

	select {
	case r.addr = <-ready:
	case err := <-r.done:
		t.Fatalf("run exited before listening: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
		return nil
	}
}

func healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestRunServesAndRunsHooksInOrder(t *testing.T) {
	var order []string
	hook := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("hook %s has no deadline", name)
			}
			order = append(order, name)
			return nil
		}
	}

	r := start(t, Config{
		Server:     &http.Server{Addr: "127.0.0.1:0", Handler: healthMux()},
		OnShutdown: []func(context.Context) error{hook("limiter"), nil, hook("feed"), hook("registry")},
	})

	resp, err := http.Get("http://" + r.addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if err := r.stop(t); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if len(order) != 3 || order[0] != "limiter" || order[1] != "feed" || order[2] != "registry" {
		t.Fatalf("unexpected hook order %v", order)
	}
}

func TestRunJoinsHookErrors(t *testing.T) {
	closeFeed := errors.New("close feed")
	closeRegistry := errors.New("close registry")
	ran := 0

	r := start(t, Config{
		Server: &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()},
		OnShutdown: []func(context.Context) error{
			func(context.Context) error { ran++; return closeFeed },
			func(context.Context) error { ran++; return closeRegistry },
		},
	})

	err := r.stop(t)
	if !errors.Is(err, closeFeed) || !errors.Is(err, closeRegistry) {
		t.Fatalf("expected both hook errors, got %v", err)
	}
	if ran != 2 {
		t.Fatalf("a failing hook must not skip later ones, ran %d", ran)
	}
}

func TestRunServesTLS(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	r := start(t, Config{
		Server: &http.Server{Addr: "127.0.0.1:0", Handler: healthMux()},
		TLS:    TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	resp, err := client.Get("https://" + r.addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("https request: %v", err)
	}
	resp.Body.Close()
	if resp.TLS == nil {
		t.Fatal("expected a TLS connection")
	}

	if err := r.stop(t); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if err := Run(ctx, Config{}); err == nil {
		t.Fatal("expected missing server to fail")
	}
	err := Run(ctx, Config{
		Server: &http.Server{Addr: "127.0.0.1:0"},
		TLS:    TLSConfig{CertFile: "cert.pem"},
	})
	if err == nil {
		t.Fatal("expected a lone certificate to fail")
	}
}

func TestRunReportsBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	ready := make(chan net.Addr, 1)
	err = Run(context.Background(), Config{
		Server: &http.Server{Addr: taken.Addr().String(), Handler: http.NewServeMux()},
		Ready:  ready,
	})
	if err == nil {
		t.Fatal("expected bind error")
	}
	select {
	case <-ready:
		t.Fatal("readiness must not be signalled when binding fails")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "crossroads-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
