// internal/adb/stream.go
// The Stream Multiplexer: OPEN/OKAY/WRTE/CLSE state machine and the
// streams table (spec.md §4.E).
package adb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Stream is a logical pipe identified on each side by a 32-bit non-zero
// id (spec.md §3).
type Stream struct {
	localID uint32

	mu       sync.Mutex
	remoteID uint32
	buf      []byte
	closed   bool

	readyCh chan struct{}
	closeCh chan struct{}
}

func newStream(localID uint32) *Stream {
	return &Stream{
		localID: localID,
		readyCh: make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

func (st *Stream) markClosedByDisconnect() {
	st.mu.Lock()
	already := st.closed
	st.closed = true
	st.mu.Unlock()
	if !already {
		close(st.closeCh)
	}
}

// Open sends OPEN for service and blocks until the device confirms it
// with OKAY, rejects it with CLSE, or ctx expires (spec.md §4.E).
func (s *Session) Open(ctx context.Context, service string) (*Stream, error) {
	localID := atomic.AddUint32(&s.nextLocalID, 1)
	st := newStream(localID)

	s.mu.Lock()
	s.streams[localID] = st
	s.mu.Unlock()

	payload := append([]byte(service), 0)
	if err := s.sendPacket(CmdOpen, localID, 0, payload); err != nil {
		s.mu.Lock()
		delete(s.streams, localID)
		s.mu.Unlock()
		return nil, s.fail("open", err)
	}

	select {
	case <-st.readyCh:
		return st, nil
	case <-st.closeCh:
		return nil, s.fail("open", ErrRejected)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.streams, localID)
		s.mu.Unlock()
		return nil, s.fail("open", ErrTimeout)
	}
}

// Collect returns the stream's buffered payload, waiting for the stream
// to close or ctx to expire, whichever comes first. It never fails:
// on timeout it returns whatever has been received so far
// (spec.md §4.E "Collection semantics").
func (s *Session) Collect(ctx context.Context, st *Stream) []byte {
	select {
	case <-st.closeCh:
	case <-ctx.Done():
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]byte, len(st.buf))
	copy(out, st.buf)
	return out
}

// Send writes bytes to the device side of the stream and waits for its
// acknowledging OKAY.
func (s *Session) Send(ctx context.Context, st *Stream, data []byte) error {
	st.mu.Lock()
	closed := st.closed
	remote := st.remoteID
	st.mu.Unlock()
	if closed {
		return s.fail("send", ErrClosed)
	}

	waiter := s.registerWaiter(func(p Packet) bool {
		return p.Command == CmdOkay && p.Arg0 == remote && p.Arg1 == st.localID
	})

	if err := s.sendPacket(CmdWrte, st.localID, remote, data); err != nil {
		s.removeWaiter(waiter)
		return s.fail("send", err)
	}

	select {
	case res := <-waiter.ch:
		if res.err != nil {
			return s.fail("send", res.err)
		}
		return nil
	case <-ctx.Done():
		s.removeWaiter(waiter)
		return s.fail("send", ErrTimeout)
	}
}

// Close closes the stream, notifying the device if it had confirmed the
// open (spec.md §4.E).
func (s *Session) Close(st *Stream) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	remote := st.remoteID
	st.mu.Unlock()
	close(st.closeCh)

	s.mu.Lock()
	delete(s.streams, st.localID)
	s.mu.Unlock()

	if remote != 0 {
		return s.sendPacket(CmdClse, st.localID, remote, nil)
	}
	return nil
}

// handleInboundFrame applies the OPEN/OKAY/WRTE/CLSE rules of
// spec.md §4.E to one frame the dispatch loop did not hand to a waiter.
func (s *Session) handleInboundFrame(pkt Packet) {
	switch pkt.Command {
	case CmdOkay:
		s.handleOkay(pkt)
	case CmdWrte:
		s.handleWrte(pkt)
	case CmdClse:
		s.handleClse(pkt)
	default:
		// OPEN from the device, stray CNXN/AUTH post-handshake: not
		// part of this client's role, dropped.
	}
}

func (s *Session) handleOkay(pkt Packet) {
	st := s.lookupStream(pkt.Arg1)
	if st == nil {
		return
	}
	st.mu.Lock()
	alreadyReady := st.remoteID != 0
	if !alreadyReady {
		st.remoteID = pkt.Arg0
	}
	st.mu.Unlock()
	if !alreadyReady {
		close(st.readyCh)
	}
	// else: flow-control ACK for data we sent, already handled by a
	// Send() waiter if one was registered; otherwise dropped.
}

func (s *Session) handleWrte(pkt Packet) {
	st := s.lookupStream(pkt.Arg1)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.buf = append(st.buf, pkt.Payload...)
	st.mu.Unlock()
	// Single-credit flow control: one OKAY per WRTE, sent immediately
	// and before any further inbound frame for this stream is processed
	// (spec.md §8 invariant 4) — safe because the dispatch loop is
	// single-threaded and this call completes before the next read.
	_ = s.sendPacket(CmdOkay, pkt.Arg1, pkt.Arg0, nil)
}

func (s *Session) handleClse(pkt Packet) {
	st := s.lookupStream(pkt.Arg1)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	wasReady := st.remoteID != 0
	st.mu.Unlock()
	close(st.closeCh)

	s.mu.Lock()
	delete(s.streams, pkt.Arg1)
	s.mu.Unlock()

	if wasReady {
		_ = s.sendPacket(CmdClse, pkt.Arg1, pkt.Arg0, nil)
	}
	// else: the device rejected the open before ever confirming it;
	// Open()'s select on st.closeCh reports ErrRejected.
}

func (s *Session) lookupStream(localID uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[localID]
}

// runService is a convenience wrapper used by the shell command helpers
// below: open a stream, collect until it closes or deadline, and return
// the result as text.
func (s *Session) runService(ctx context.Context, service string) (string, error) {
	st, err := s.Open(ctx, service)
	if err != nil {
		return "", err
	}
	out := s.Collect(ctx, st)
	_ = s.Close(st)
	return string(out), nil
}

// RunShell runs an arbitrary shell command and returns its combined
// output (spec.md §6 "run_shell").
func (s *Session) RunShell(ctx context.Context, cmd string) (string, error) {
	return s.runService(ctx, "shell:"+cmd)
}

// ListPackages returns the sorted list of installed package ids
// (spec.md §6 "list_packages").
func (s *Session) ListPackages(ctx context.Context) ([]string, error) {
	out, err := s.runService(ctx, "shell:pm list packages")
	if err != nil {
		return nil, err
	}
	return parsePackageList(out), nil
}

// DisablePackage disables pkg for the primary user.
func (s *Session) DisablePackage(ctx context.Context, pkg string) (string, error) {
	return s.runService(ctx, fmt.Sprintf("shell:pm disable-user --user 0 %s", pkg))
}

// EnablePackage re-enables pkg.
func (s *Session) EnablePackage(ctx context.Context, pkg string) (string, error) {
	return s.runService(ctx, fmt.Sprintf("shell:pm enable %s", pkg))
}

// UninstallPackage uninstalls pkg for the primary user.
func (s *Session) UninstallPackage(ctx context.Context, pkg string) (string, error) {
	return s.runService(ctx, fmt.Sprintf("shell:pm uninstall --user 0 %s", pkg))
}
