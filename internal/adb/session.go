// internal/adb/session.go
// The Session Engine: CNXN/AUTH handshake and the waiter-registry-driven
// dispatch loop that both drives the handshake and, once connected,
// demultiplexes inbound frames to the Stream Multiplexer (spec.md §4.D).
package adb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	adbProtocolVersion = 0x01000001
	defaultMaxPayload  = 1 << 20 // 1 MiB, spec.md §4.D "safe default"
	hostFeatures       = "cmd,stat_v2,ls_v2,fixed_push_mkdir"

	readLoopRetryBudget = 3
	readLoopRetryPause  = 200 * time.Millisecond
	handshakeSettleWait = 50 * time.Millisecond
)

// Identity is the device identity reported by the CNXN handshake
// (spec.md §6 "Caller API exposed upward").
type Identity struct {
	Serial  string
	Product string
	Model   string
}

// waiterEntry is one (predicate, resolver) pair in the waiter registry
// (spec.md §4.D). The read loop scans entries in insertion order and
// hands the first matching frame to its resolver.
type waiterEntry struct {
	predicate func(Packet) bool
	ch        chan waiterResult
}

type waiterResult struct {
	pkt Packet
	err error
}

// Session is process-wide state owned by one connected device
// (spec.md §3).
type Session struct {
	transport Transport
	hostKey   *HostKey

	mu          sync.Mutex
	maxPayload  int
	identity    Identity
	nextLocalID uint32
	streams     map[uint32]*Stream
	waiters     []*waiterEntry
	running     bool

	sendMu sync.Mutex // serializes the shared OUT channel (spec.md §5)

	log *packetLog

	signedAuthSent bool
	pubkeyAuthSent bool

	group      *errgroup.Group
	cancelLoop context.CancelFunc
	teardown   sync.Once
}

// Connect starts the dispatch loop, then drives the Transport and Auth
// Engine through the handshake state machine of spec.md §4.D on top of
// it. On success the loop keeps owning the packet stream for the rest of
// the session's life; on failure the session is torn down.
func Connect(ctx context.Context, transport Transport, hostKey *HostKey) (*Session, Identity, error) {
	s := &Session{
		transport:  transport,
		hostKey:    hostKey,
		maxPayload: defaultMaxPayload,
		streams:    make(map[uint32]*Stream),
		log:        newPacketLog(),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoop = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	s.group = g
	s.running = true
	g.Go(func() error { return s.readLoop(gctx) })

	identity, err := s.handshake(ctx)
	if err != nil {
		s.Disconnect()
		return nil, Identity{}, err
	}
	return s, identity, nil
}

func (s *Session) handshake(ctx context.Context) (Identity, error) {
	payload := []byte(fmt.Sprintf("host::features=%s", hostFeatures))
	payload = append(payload, 0)
	if err := s.sendPacket(CmdCnxn, adbProtocolVersion, uint32(s.currentMaxPayload()), payload); err != nil {
		return Identity{}, s.fail("connect", err)
	}

	for {
		pkt, err := s.awaitOneOf(ctx, func(p Packet) bool {
			return p.Command == CmdAuth || p.Command == CmdCnxn
		})
		if err != nil {
			return Identity{}, s.fail("connect", err)
		}

		switch pkt.Command {
		case CmdCnxn:
			identity := parseCnxnPayload(pkt.Payload)
			s.mu.Lock()
			s.maxPayload = int(pkt.Arg1)
			s.identity = identity
			s.mu.Unlock()
			time.Sleep(handshakeSettleWait)
			return identity, nil

		case CmdAuth:
			if err := s.handleAuthChallenge(pkt.Payload); err != nil {
				return Identity{}, s.fail("connect", err)
			}
		}
	}
}

func (s *Session) handleAuthChallenge(token []byte) error {
	s.mu.Lock()
	signedSent := s.signedAuthSent
	pubkeySent := s.pubkeyAuthSent
	s.mu.Unlock()

	switch {
	case !signedSent:
		sig, err := s.hostKey.Sign(token)
		if err != nil {
			return fmt.Errorf("adb: sign auth token: %w", err)
		}
		if err := s.sendPacket(CmdAuth, AuthSignature, 0, sig); err != nil {
			return err
		}
		s.mu.Lock()
		s.signedAuthSent = true
		s.mu.Unlock()
		return nil

	case !pubkeySent:
		blob := s.hostKey.AndroidPublicKeyBlob()
		if err := s.sendPacket(CmdAuth, AuthRSAPublicKey, 0, blob); err != nil {
			return err
		}
		s.mu.Lock()
		s.pubkeyAuthSent = true
		s.mu.Unlock()
		return nil

	default:
		return ErrAuthRejected
	}
}

// parseCnxnPayload parses the device's "device::key=val;key=val" payload
// (spec.md §4.D), stripping NUL bytes first.
func parseCnxnPayload(payload []byte) Identity {
	clean := strings.ReplaceAll(string(payload), "\x00", "")
	_, tail, found := strings.Cut(clean, "::")
	if !found {
		return Identity{}
	}

	props := map[string]string{}
	for _, entry := range strings.Split(tail, ";") {
		key, val, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}

	return Identity{
		Serial:  props["ro.serialno"],
		Product: props["ro.product.name"],
		Model:   props["ro.product.model"],
	}
}

func (s *Session) currentMaxPayload() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPayload
}

// registerWaiter adds a (predicate, resolver) entry to the waiter
// registry (spec.md §4.D).
func (s *Session) registerWaiter(predicate func(Packet) bool) *waiterEntry {
	entry := &waiterEntry{predicate: predicate, ch: make(chan waiterResult, 1)}
	s.mu.Lock()
	s.waiters = append(s.waiters, entry)
	s.mu.Unlock()
	return entry
}

func (s *Session) removeWaiter(target *waiterEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == target {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// awaitOneOf registers a waiter and blocks until it resolves, the
// session disconnects, or ctx expires.
func (s *Session) awaitOneOf(ctx context.Context, predicate func(Packet) bool) (Packet, error) {
	entry := s.registerWaiter(predicate)
	select {
	case res := <-entry.ch:
		return res.pkt, res.err
	case <-ctx.Done():
		s.removeWaiter(entry)
		return Packet{}, ErrTimeout
	}
}

// dispatchToWaiters scans the registry in insertion order and hands the
// frame to the first matching entry. Returns true if a waiter consumed
// the frame.
func (s *Session) dispatchToWaiters(pkt Packet) bool {
	s.mu.Lock()
	var match *waiterEntry
	for i, w := range s.waiters {
		if w.predicate(pkt) {
			match = w
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if match == nil {
		return false
	}
	match.ch <- waiterResult{pkt: pkt}
	return true
}

// failAllWaiters drains the registry with err, used on disconnect
// (spec.md §5 "all waiters are failed with Disconnected").
func (s *Session) failAllWaiters(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w.ch <- waiterResult{err: err}
	}
}

// readLoop is the single dispatch loop that drives both the handshake
// and, once connected, all inbound stream traffic (spec.md §9 "Waiters
// vs read loop").
func (s *Session) readLoop(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pkt, transient, err := s.readFrame(ctx)
		if err != nil {
			if !transient {
				s.teardownWith(err)
				return err
			}
			failures++
			if failures > readLoopRetryBudget {
				fatal := fmt.Errorf("adb: read loop: %w after %d attempts", errTransportTransient, failures)
				s.teardownWith(fatal)
				return fatal
			}
			time.Sleep(readLoopRetryPause)
			continue
		}
		failures = 0

		s.log.append(PacketRecord{
			Timestamp: time.Now(),
			Outbound:  false,
			Command:   IntToCommand(pkt.Command),
			Arg0:      pkt.Arg0,
			Arg1:      pkt.Arg1,
			Length:    len(pkt.Payload),
			Checksum:  checksum(pkt.Payload),
		})

		if s.dispatchToWaiters(pkt) {
			continue
		}
		s.handleInboundFrame(pkt)
	}
}

// readFrame reads one full frame, resynchronising on a dropped or
// invalid header and reporting transient transport errors separately
// from fatal ones (spec.md §4.B, §7).
func (s *Session) readFrame(ctx context.Context) (Packet, bool, error) {
	for {
		if ctx.Err() != nil {
			return Packet{}, false, ctx.Err()
		}

		header, err := s.transport.ReadHeader(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Packet{}, false, ctx.Err()
			}
			if errors.Is(err, ErrDisconnected) {
				return Packet{}, false, err
			}
			return Packet{}, true, err
		}
		if len(header) != HeaderSize {
			continue // resync: not a header, drop and re-read
		}

		hdr, err := DecodeHeader(header)
		if err != nil {
			continue // invalid magic: drop and resync, never surfaced
		}

		var payload []byte
		if hdr.PayloadLength > 0 {
			payload, err = s.transport.ReadPayload(ctx, int(hdr.PayloadLength))
			if err != nil {
				if ctx.Err() != nil {
					return Packet{}, false, ctx.Err()
				}
				if errors.Is(err, ErrDisconnected) {
					return Packet{}, false, err
				}
				return Packet{}, true, err
			}
		}

		return Packet{Command: hdr.Command, Arg0: hdr.Arg0, Arg1: hdr.Arg1, Payload: payload}, false, nil
	}
}

// sendPacket encodes and sends one frame, serializing access to the
// shared OUT channel so a header is never interleaved with another
// frame (spec.md §5).
func (s *Session) sendPacket(command, arg0, arg1 uint32, payload []byte) error {
	maxPayload := s.currentMaxPayload()
	if command != CmdCnxn { // the host CNXN predates max_payload negotiation
		if err := checkPayloadSize(len(payload), maxPayload); err != nil {
			return err
		}
	}

	raw, err := EncodePacket(command, arg0, arg1, payload, 0)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.WriteFrame(ctx, raw[:HeaderSize], raw[HeaderSize:]); err != nil {
		return err
	}

	s.log.append(PacketRecord{
		Timestamp: time.Now(),
		Outbound:  true,
		Command:   IntToCommand(command),
		Arg0:      arg0,
		Arg1:      arg1,
		Length:    len(payload),
		Checksum:  checksum(payload),
	})
	return nil
}

func checkPayloadSize(size, maxPayload int) error {
	if maxPayload > 0 && size > maxPayload {
		return fmt.Errorf("adb: %w (%d > %d)", ErrPayloadTooLarge, size, maxPayload)
	}
	return nil
}

// teardownWith runs the disconnect sequence once, regardless of whether
// it was triggered by the read loop failing or by an explicit
// Disconnect call.
func (s *Session) teardownWith(cause error) {
	s.teardown.Do(func() {
		s.mu.Lock()
		s.running = false
		streams := s.streams
		s.streams = make(map[uint32]*Stream)
		s.mu.Unlock()

		for _, st := range streams {
			st.markClosedByDisconnect()
		}
		s.failAllWaiters(ErrDisconnected)
		s.transport.Close()
		_ = cause
	})
}

// Disconnect is process-wide cancellation (spec.md §5): the read loop
// stops, all waiters fail with Disconnected, all streams are marked
// closed, and the interface is released.
func (s *Session) Disconnect() {
	s.cancelLoop()
	_ = s.group.Wait()
	s.teardownWith(ErrDisconnected)
}

// Snapshot returns the diagnostics snapshot for this session
// (spec.md §6 "diagnostics()").
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Connected:   s.running,
		Serial:      s.identity.Serial,
		Product:     s.identity.Product,
		Model:       s.identity.Model,
		MaxPayload:  s.maxPayload,
		StreamCount: len(s.streams),
	}
	s.mu.Unlock()

	snap.RecentPackets = s.log.last(50)
	snap.HostCPUPercent, snap.HostMemPercent = hostResourceStats()
	return snap
}

func (s *Session) fail(op string, err error) error {
	return wrapErr(op, err, s.Snapshot())
}
