// Package probe reads Linux /proc to answer the three liveness questions the
// Supervisor's watchdog rules need: how much CPU a process is currently
// using, what state it is in, and whether it holds open network connections.
//
// No third-party process-inspection library in the example corpus covers
// this (see the grounding ledger); /proc parsing is the only option that
// doesn't invent a dependency that isn't there.
package probe

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// State is the coarse-grained process state the watchdog reasons about.
type State string

const (
	StateRunning   State = "running"
	StateSleeping  State = "sleeping"
	StateDiskSleep State = "disk-sleep"
	StateStopped   State = "stopped"
	StateZombie    State = "zombie"
	StateUnknown   State = "unknown"
)

// Snapshot is one point-in-time reading of a process's vitals.
type Snapshot struct {
	CPUPercent float64
	State      State
	NetConns   int
	Available  bool
}

// Prober samples a single process repeatedly, tracking enough history to
// compute CPU percentage between two samples (as /proc only exposes
// cumulative jiffies, not an instantaneous rate).
type Prober struct {
	pid int

	lastSampleAt  time.Time
	lastTotalTime uint64
}

// NewProber returns a Prober for the given pid.
func NewProber(pid int) *Prober {
	return &Prober{pid: pid}
}

// Sample reads /proc/<pid>/stat and /proc/net/tcp|tcp6 and returns a
// Snapshot. When /proc is unavailable (non-Linux, or the process already
// exited), Snapshot.Available is false and callers must skip any liveness
// rule that depends on CPU or network data rather than assume a default.
func (p *Prober) Sample() Snapshot {
	stat, err := p.readStat()
	if err != nil {
		return Snapshot{State: StateUnknown, Available: false}
	}

	now := time.Now()
	cpuPercent := 0.0
	if !p.lastSampleAt.IsZero() && stat.totalTime >= p.lastTotalTime {
		elapsed := now.Sub(p.lastSampleAt).Seconds()
		if elapsed > 0 {
			deltaTicks := float64(stat.totalTime - p.lastTotalTime)
			cpuPercent = (deltaTicks / clockTicksPerSecond() / elapsed) * 100
		}
	}
	p.lastSampleAt = now
	p.lastTotalTime = stat.totalTime

	netConns := countNetConnections(p.pid)

	return Snapshot{
		CPUPercent: cpuPercent,
		State:      stat.state,
		NetConns:   netConns,
		Available:  true,
	}
}

type procStat struct {
	state     State
	totalTime uint64 // utime + stime, in clock ticks
}

func (p *Prober) readStat() (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", p.pid))
	if err != nil {
		return procStat{}, err
	}

	// The comm field (2nd field) is parenthesized and may itself contain
	// spaces or parens, so split on the last ')' rather than by field index.
	text := string(data)
	closeParen := strings.LastIndexByte(text, ')')
	if closeParen < 0 {
		return procStat{}, fmt.Errorf("probe: malformed stat line for pid %d", p.pid)
	}
	fields := strings.Fields(text[closeParen+1:])
	// fields[0] is state (3rd field overall); utime and stime (fields 14 and
	// 15 counting from field 1 = pid) land at indices 11 and 12 here.
	const (
		stateIdx = 0
		utimeIdx = 11
		stimeIdx = 12
	)
	if len(fields) <= stimeIdx {
		return procStat{}, fmt.Errorf("probe: unexpected stat field count for pid %d", p.pid)
	}

	state := parseState(fields[stateIdx])

	utime, err := strconv.ParseUint(fields[utimeIdx], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	stime, err := strconv.ParseUint(fields[stimeIdx], 10, 64)
	if err != nil {
		return procStat{}, err
	}

	return procStat{state: state, totalTime: utime + stime}, nil
}

func parseState(code string) State {
	switch code {
	case "R":
		return StateRunning
	case "S":
		return StateSleeping
	case "D":
		return StateDiskSleep
	case "T", "t":
		return StateStopped
	case "Z":
		return StateZombie
	default:
		return StateUnknown
	}
}

// clockTicksPerSecond is the kernel's USER_HZ, almost universally 100 on
// Linux. There is no portable syscall-free way to read sysconf(_SC_CLK_TCK)
// from the standard library, so the conventional constant is used directly.
func clockTicksPerSecond() float64 {
	return 100.0
}

// countNetConnections counts TCP sockets (v4 and v6) owned by pid, by
// cross-referencing /proc/<pid>/fd's socket inodes against /proc/net/tcp{,6}.
func countNetConnections(pid int) int {
	inodes := socketInodes(pid)
	if len(inodes) == 0 {
		return 0
	}

	count := 0
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		count += countMatchingInodes(path, inodes)
	}
	return count
}

func socketInodes(pid int) map[string]bool {
	inodes := make(map[string]bool)
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return inodes
	}
	for _, entry := range entries {
		link, err := os.Readlink(dir + "/" + entry.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(link, "socket:[") && strings.HasSuffix(link, "]") {
			inode := link[len("socket:[") : len(link)-1]
			inodes[inode] = true
		}
	}
	return inodes
}

func countMatchingInodes(path string, inodes map[string]bool) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		// /proc/net/tcp columns: sl local_address rem_address st tx_q:rx_q
		// tr:tm_when retrnsmt uid timeout inode
		const inodeIdx = 9
		if len(fields) <= inodeIdx {
			continue
		}
		if inodes[fields[inodeIdx]] {
			count++
		}
	}
	return count
}
