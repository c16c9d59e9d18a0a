// internal/adb/diagnostics.go
// The bounded packet log and the diagnostics snapshot attached to errors
// surfaced by a session (spec.md §3 "Packet Log", §6 "Error surfacing").
// Errors the Engine returns before reaching a session, and errors from
// Session.Close, carry no snapshot.
package adb

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const packetLogCapacity = 200

// PacketRecord is one descriptor in the bounded circular packet log,
// used only for diagnostics.
type PacketRecord struct {
	Timestamp time.Time
	Outbound  bool
	Command   string
	Arg0      uint32
	Arg1      uint32
	Length    int
	Checksum  uint32
}

// packetLog is a bounded circular buffer of at most packetLogCapacity
// records, guarded by its own mutex so both the read loop and senders
// can append without touching session state.
type packetLog struct {
	mu      sync.Mutex
	records []PacketRecord
	next    int
	full    bool
}

func newPacketLog() *packetLog {
	return &packetLog{records: make([]PacketRecord, packetLogCapacity)}
}

func (l *packetLog) append(r PacketRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = r
	l.next = (l.next + 1) % packetLogCapacity
	if l.next == 0 {
		l.full = true
	}
}

// last returns up to n most recent records, oldest first.
func (l *packetLog) last(n int) []PacketRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = packetLogCapacity
	}
	if n > count {
		n = count
	}
	out := make([]PacketRecord, 0, n)
	if l.full {
		// the buffer wraps; start n records before next and walk forward
		// with modular indices
		for i := 0; i < n; i++ {
			idx := (l.next - n + i + packetLogCapacity) % packetLogCapacity
			out = append(out, l.records[idx])
		}
		return out
	}
	start := l.next - n
	if start < 0 {
		start = 0
	}
	out = append(out, l.records[start:l.next]...)
	return out
}

// Snapshot is the diagnostics payload returned by Session.Diagnostics
// and attached to every surfaced *Error.
type Snapshot struct {
	Connected    bool
	Serial       string
	Product      string
	Model        string
	MaxPayload   int
	StreamCount  int
	RecentPackets []PacketRecord
	HostCPUPercent float64
	HostMemPercent float64
}

// hostResourceStats folds in host CPU/memory figures, the same signal
// internal/cli/ui/ui.go surfaces in its status panel, so a diagnostics
// snapshot can distinguish a slow host from a slow device.
func hostResourceStats() (cpuPercent, memPercent float64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}
