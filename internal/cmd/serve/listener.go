package serve

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
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// muxedServer serves one handler over plaintext (h2c) and TLS on a single
// TCP port. cmux tells the two apart by sniffing the first bytes.
type muxedServer struct {
	name  string
	lis   net.Listener
	plain *http.Server
	tls   *http.Server
	once  sync.Once
}

func listenMuxed(name string, cfg config.ListenerConfig, handler http.Handler) (*muxedServer, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, fmt.Errorf("%s: plaintext and/or tls must be enabled", name)
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%s listen failed: %w", name, err)
	}
	s := &muxedServer{name: name, lis: lis}
	mux := cmux.New(lis)

	// TLS must be matched before the catch-all
	if cfg.EnableTLS {
		cert, err := loadServerCertificate(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			_ = lis.Close()
			return nil, err
		}
		tlsLis := tls.NewListener(mux.Match(cmux.TLS()), &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		})
		s.tls = &http.Server{Handler: handler, ReadHeaderTimeout: cfg.ReadHeaderTimeout}
		go s.serve(s.tls, tlsLis, "tls")
	}
	if cfg.EnablePlainText {
		s.plain = &http.Server{
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		go s.serve(s.plain, mux.Match(cmux.Any()), "plaintext")
	}
	go func() {
		if err := mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error(s.label()+": connection mux failed", "err", err)
		}
	}()
	return s, nil
}

func (s *muxedServer) label() string {
	return strings.ToUpper(s.name[:1]) + s.name[1:]
}

func (s *muxedServer) serve(srv *http.Server, lis net.Listener, kind string) {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(s.label()+": listener failed", "kind", kind, "err", err)
	}
}

func (s *muxedServer) Addr() net.Addr { return s.lis.Addr() }

func (s *muxedServer) Port() int {
	if addr, ok := s.lis.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// shutdown drains both HTTP servers, runs beforeClose, then closes the
// listener. Only the first call does anything.
func (s *muxedServer) shutdown(ctx context.Context, beforeClose func(context.Context)) error {
	var errs []error
	s.once.Do(func() {
		for _, srv := range []*http.Server{s.plain, s.tls} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		if beforeClose != nil {
			beforeClose(ctx)
		}
		_ = s.lis.Close()
	})
	return errors.Join(errs...)
}

// startManagementServer serves the management routes (health, metrics) on
// their own port. There is no gRPC there.
func startManagementServer(cfg config.ListenerConfig, handler http.Handler) (net.Addr, func(context.Context) error, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		cfg.EnablePlainText = true
	}
	s, err := listenMuxed("management", cfg, handler)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Management: listening", "addr", s.Addr())
	return s.Addr(), func(ctx context.Context) error { return s.shutdown(ctx, nil) }, nil
}

func loadServerCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if strings.TrimSpace(certFile) == "" || strings.TrimSpace(keyFile) == "" {
		return selfSignedCertificate(time.Now())
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load tls certificate: %w", err)
	}
	return cert, nil
}

// selfSignedCertificate issues a one-year localhost certificate so TLS can
// be served without configuration.
func selfSignedCertificate(now time.Time) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"memory-sync"}},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}
