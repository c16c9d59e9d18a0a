package adb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendTestSession wires a mock transport that confirms OPEN and, when
// ackWrte is true, acknowledges every WRTE the host sends with a matching
// OKAY, so Send's OKAY-wait and timeout paths can be driven end to end.
func sendTestSession(t *testing.T, ackWrte bool) (*Session, *mockTransport, *Stream) {
	t.Helper()
	const remoteID = 7

	mock := newMockTransport()
	mock.onSend = func(pkt Packet) {
		switch pkt.Command {
		case CmdCnxn:
			mock.push(cnxnReply(0x40000, "device::ro.serialno=Z"))
		case CmdOpen:
			mock.push(Packet{Command: CmdOkay, Arg0: remoteID, Arg1: pkt.Arg0})
		case CmdWrte:
			if ackWrte {
				mock.push(Packet{Command: CmdOkay, Arg0: remoteID, Arg1: pkt.Arg0})
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, _, err := Connect(ctx, mock, testHostKey(t))
	require.NoError(t, err)

	st, err := session.Open(ctx, "shell:cat")
	require.NoError(t, err)

	return session, mock, st
}

// TestSendWaitsForOkay exercises Session.Send's success path: it must
// block until the device's OKAY for this exact (remote_id, local_id) pair
// arrives, and must have written the payload in its WRTE.
func TestSendWaitsForOkay(t *testing.T) {
	session, mock, st := sendTestSession(t, true)
	defer session.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := session.Send(ctx, st, []byte("ping"))
	require.NoError(t, err)

	sent := mock.waitForSent(t, 3, time.Second) // CNXN, OPEN, WRTE
	var sawWrte bool
	for _, p := range sent {
		if p.Command == CmdWrte && string(p.Payload) == "ping" {
			sawWrte = true
		}
	}
	assert.True(t, sawWrte, "expected Send to have written a WRTE carrying the payload")
}

// TestSendOnClosedStreamFails covers Send's ErrClosed path: a stream
// closed locally must refuse to send without touching the transport.
func TestSendOnClosedStreamFails(t *testing.T) {
	session, mock, st := sendTestSession(t, true)
	defer session.Disconnect()

	require.NoError(t, session.Close(st))
	before := len(mock.sentSnapshot())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := session.Send(ctx, st, []byte("ping"))
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
	assert.Len(t, mock.sentSnapshot(), before, "Send on a closed stream must not write to the transport")
}

// TestSendTimesOutWithoutOkay covers Send's timeout path and confirms the
// waiter is deregistered afterward rather than leaking.
func TestSendTimesOutWithoutOkay(t *testing.T) {
	session, _, st := sendTestSession(t, false)
	defer session.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := session.Send(ctx, st, []byte("ping"))
	assert.True(t, errors.Is(err, ErrTimeout), "expected ErrTimeout, got %v", err)

	session.mu.Lock()
	waiterCount := len(session.waiters)
	session.mu.Unlock()
	assert.Equal(t, 0, waiterCount, "the timed-out waiter must be removed from the registry")
}
