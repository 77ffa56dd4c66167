package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/fdns/logging"
)

// reloadInterval bounds how long a missed fsnotify event goes unnoticed.
const reloadInterval = 5 * time.Minute

var errNoCertificate = errors.New("no certificate available")

// CertManager serves a TLS key pair and reloads it when the files change.
type CertManager struct {
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	modTime     time.Time

	log      logging.Logger
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCertManager loads the pair and starts watching its directories.
func NewCertManager(certPath, keyPath string, l logging.Logger) (*CertManager, error) {
	cm := &CertManager{
		certPath: certPath,
		keyPath:  keyPath,
		log:      logging.Named(l, "tls"),
		stopCh:   make(chan struct{}),
	}

	if err := cm.Reload(); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	cm.watcher = watcher

	// directories, not files: renames and symlink swaps replace the inode
	dirs := []string{filepath.Dir(certPath)}
	if keyDir := filepath.Dir(keyPath); keyDir != dirs[0] {
		dirs = append(dirs, keyDir)
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go cm.watch()

	return cm, nil
}

// (*CertManager).GetCertificate returns the current certificate.
func (cm *CertManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.certificate == nil {
		return nil, errNoCertificate
	}

	return cm.certificate, nil
}

// (*CertManager).TLSConfig returns a fresh config bounded by the given
// versions that serves the current certificate.
func (cm *CertManager) TLSConfig(minVersion, maxVersion uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     minVersion,
		MaxVersion:     maxVersion,
	}
}

// (*CertManager).Reload reads the pair from disk.
func (cm *CertManager) Reload() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(cm.certPath)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.certificate = &cert
	cm.modTime = info.ModTime()
	cm.mu.Unlock()

	cm.log.Info("TLS certificate loaded", "cert", cm.certPath, "modtime", info.ModTime())

	return nil
}

// (*CertManager).Stop ends the watcher. Safe to call more than once.
func (cm *CertManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}

func (cm *CertManager) watch() {
	defer cm.watcher.Close()

	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return

		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}

			if cm.relevant(event) {
				cm.log.Debug("Certificate file event", "event", event.String())
				cm.reloadIfChanged()
			}

		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.log.Error("Certificate watcher error", "error", err.Error())

		case <-ticker.C:
			cm.reloadIfChanged()
		}
	}
}

func (cm *CertManager) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)

	return name == filepath.Base(cm.certPath) || name == filepath.Base(cm.keyPath)
}

func (cm *CertManager) reloadIfChanged() {
	info, err := os.Stat(cm.certPath)
	if err != nil {
		cm.log.Error("Certificate stat failed", "path", cm.certPath, "error", err.Error())
		return
	}

	cm.mu.RLock()
	last := cm.modTime
	cm.mu.RUnlock()

	if !info.ModTime().After(last) {
		return
	}

	cm.log.Info("Certificate file changed, reloading", "path", cm.certPath)

	if err := cm.Reload(); err != nil {
		// keep serving the previous pair
		cm.log.Error("Certificate reload failed", "error", err.Error())
	}
}
