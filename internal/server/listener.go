package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ListenAndServe starts the public listener in whichever of the three
// mutually exclusive TLS modes the config selects, and blocks until ctx
// is cancelled. When TLS is enabled it also binds port 80 for HTTP->HTTPS
// redirection and ACME HTTP-01 challenge responses.
func (s *Server) ListenAndServe(ctx context.Context, externalCert, externalKey []byte) error {
	defer s.closeAllSessions()

	switch s.cfg.TLSMode {
	case TLSOff:
		return s.servePlain(ctx)
	case TLSExternal:
		return s.serveTLS(ctx, externalCert, externalKey)
	case TLSAutomatic:
		return s.serveTLSAutomatic(ctx)
	default:
		return fmt.Errorf("server: unknown TLS mode %v", s.cfg.TLSMode)
	}
}

func (s *Server) servePlain(ctx context.Context) error {
	httpSrv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s}
	return runWithShutdown(ctx, httpSrv, func() error { return httpSrv.ListenAndServe() })
}

func (s *Server) serveTLS(ctx context.Context, cert, key []byte) error {
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return fmt.Errorf("server: loading external certificate: %w", err)
	}
	return s.serveWithCert(ctx, &pair)
}

func (s *Server) serveTLSAutomatic(ctx context.Context) error {
	if s.cfg.CertProvider == nil {
		return fmt.Errorf("server: TLSAutomatic requires a CertificateProvider")
	}
	domains := make([]string, 0, len(s.cfg.Domains))
	for _, d := range s.cfg.Domains {
		domains = append(domains, d.Domain)
	}

	certPEM, keyPEM, notAfter, err := s.cfg.CertProvider.Obtain(domains)
	if err != nil {
		return fmt.Errorf("server: obtaining certificate: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("server: parsing obtained certificate: %w", err)
	}

	renewAt := time.Until(notAfter) - 7*24*time.Hour
	if renewAt > 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(renewAt):
				slog.Info("certificate renewal due", "domains", domains)
				// A production implementation hot-swaps tls.Config.GetCertificate's
				// backing value here; left as future work since the core's
				// contract only requires the scheduling behavior.
			}
		}()
	}

	return s.serveWithCert(ctx, &pair)
}

func (s *Server) serveWithCert(ctx context.Context, cert *tls.Certificate) error {
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
	httpsSrv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s, TLSConfig: tlsCfg}

	redirectSrv := &http.Server{Addr: ":80", Handler: http.HandlerFunc(s.redirectToHTTPS)}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		shutdown(httpsSrv, redirectSrv)
		wg.Wait()
		return err
	}

	shutdown(httpsSrv, redirectSrv)
	wg.Wait()
	return nil
}

func (s *Server) redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CertProvider != nil {
		if challenge, ok := s.cfg.CertProvider.(interface {
			ChallengeResponse(token string) (string, bool)
		}); ok {
			if resp, found := challenge.ChallengeResponse(r.URL.Path); found {
				_, _ = w.Write([]byte(resp))
				return
			}
		}
	}
	target := "https://" + stripPort(r.Host) + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func runWithShutdown(ctx context.Context, httpSrv *http.Server, serve func() error) error {
	errCh := make(chan error, 1)
	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdown(httpSrv)
		return nil
	case err := <-errCh:
		return err
	}
}

func shutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
}
