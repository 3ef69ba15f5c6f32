// Package tlsutil provides TLS certificate loading with automatic reload
// via filesystem notifications, so the admin endpoint's certificate can be
// rotated without restarting the daemon.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertLoader serves the current certificate through the
// tls.Config.GetCertificate callback and swaps it when the files on disk
// change. The watch covers the parent directories rather than the files
// themselves: Kubernetes-style secret mounts rotate certificates by
// replacing a symlink, which never fires a Write event on the old path.
type CertLoader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// New loads the initial certificate and starts watching for rotation.
// Returns an error if the initial load fails; a daemon with a broken cert
// should not start.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := cl.loadPair(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dirs := map[string]bool{
		filepath.Dir(certFile): true,
		filepath.Dir(keyFile):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	cl.watcher = watcher
	go cl.watchLoop()

	return cl, nil
}

// GetCertificate is the tls.Config.GetCertificate callback; it is called
// on every TLS handshake.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Reload re-reads the pair from disk. A load failure keeps the current
// certificate so in-flight rotation never breaks handshakes.
func (cl *CertLoader) Reload() error {
	if err := cl.loadPair(); err != nil {
		cl.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	return nil
}

// Stop terminates the file watcher.
func (cl *CertLoader) Stop() {
	close(cl.stopCh)
	if cl.watcher != nil {
		cl.watcher.Close()
	}
}

// loadPair loads and validates the cert/key pair, then swaps it in.
func (cl *CertLoader) loadPair() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing leaf certificate: %w", err)
	}
	if remaining := time.Until(leaf.NotAfter); remaining < 0 {
		cl.logger.Warn("TLS certificate is expired", "not_after", leaf.NotAfter)
	} else {
		cl.logger.Info("TLS certificate loaded",
			"subject", leaf.Subject.CommonName,
			"not_after", leaf.NotAfter,
			"expires_in", remaining.Round(time.Hour))
	}

	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if !cl.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				// Cert and key rotate as two separate writes; the
				// debounce waits for both before loading the pair.
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					cl.Reload() //nolint:errcheck
				})
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("TLS cert file watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// relevant reports whether a directory event concerns one of our files.
// Secret mounts rotate via a "..data" symlink swap, so that name counts.
func (cl *CertLoader) relevant(name string) bool {
	base := filepath.Base(name)
	return base == filepath.Base(cl.certFile) ||
		base == filepath.Base(cl.keyFile) ||
		base == "..data"
}
