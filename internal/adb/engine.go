// internal/adb/engine.go
// Engine is the top-level object the caller API (spec.md §6) is built
// on: it owns device discovery, the host key, and the current session.
package adb

import (
	"context"
	"fmt"
	"sync"
)

// Engine is the process-wide entry point exposed to the HTTP binding in
// cmd/adbhost. It is safe for concurrent use.
type Engine struct {
	keyStore KeyStore
	vid, pid uint16

	mu      sync.Mutex
	hostKey *HostKey
	session *Session
}

// NewEngine returns an Engine that authenticates with the key stored
// under store and matches a USB device by vid/pid (0, 0 to match any
// device exposing the ADB interface descriptor).
func NewEngine(store KeyStore, vid, pid uint16) *Engine {
	return &Engine{keyStore: store, vid: vid, pid: pid}
}

// Connect opens the USB transport, runs the auth handshake, and starts
// the session's dispatch loop (spec.md §6 "connect(device)").
func (e *Engine) Connect(ctx context.Context) (Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		return Identity{}, fmt.Errorf("adb: already connected")
	}

	if e.hostKey == nil {
		key, err := LoadOrCreateHostKey(e.keyStore)
		if err != nil {
			return Identity{}, err
		}
		e.hostKey = key
	}

	transport, err := OpenTransport(e.vid, e.pid)
	if err != nil {
		return Identity{}, err
	}

	session, identity, err := Connect(ctx, transport, e.hostKey)
	if err != nil {
		return Identity{}, err
	}

	e.session = session
	return identity, nil
}

// Disconnect tears the current session down, if any.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	session := e.session
	e.session = nil
	e.mu.Unlock()

	if session != nil {
		session.Disconnect()
	}
}

func (e *Engine) activeSession() (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrDisconnected
	}
	return e.session, nil
}

// RunShell runs cmd on the connected device.
func (e *Engine) RunShell(ctx context.Context, cmd string) (string, error) {
	s, err := e.activeSession()
	if err != nil {
		return "", err
	}
	return s.RunShell(ctx, cmd)
}

// ListPackages lists installed package ids on the connected device.
func (e *Engine) ListPackages(ctx context.Context) ([]string, error) {
	s, err := e.activeSession()
	if err != nil {
		return nil, err
	}
	return s.ListPackages(ctx)
}

// DisablePackage disables pkg on the connected device.
func (e *Engine) DisablePackage(ctx context.Context, pkg string) (string, error) {
	s, err := e.activeSession()
	if err != nil {
		return "", err
	}
	return s.DisablePackage(ctx, pkg)
}

// EnablePackage re-enables pkg on the connected device.
func (e *Engine) EnablePackage(ctx context.Context, pkg string) (string, error) {
	s, err := e.activeSession()
	if err != nil {
		return "", err
	}
	return s.EnablePackage(ctx, pkg)
}

// UninstallPackage uninstalls pkg on the connected device.
func (e *Engine) UninstallPackage(ctx context.Context, pkg string) (string, error) {
	s, err := e.activeSession()
	if err != nil {
		return "", err
	}
	return s.UninstallPackage(ctx, pkg)
}

// Diagnostics returns a snapshot of the current session for display to a
// caller (spec.md §6 "diagnostics()"). Before the first Connect and after
// Disconnect it returns an empty Snapshot.
func (e *Engine) Diagnostics() Snapshot {
	s, err := e.activeSession()
	if err != nil {
		return Snapshot{}
	}
	return s.Snapshot()
}
