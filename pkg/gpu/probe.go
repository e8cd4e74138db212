// Package gpu samples GPU telemetry via NVML and enforces card ownership
// on the underlying device nodes.
package gpu

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xqms/gpu-claim/pkg/protocol"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// nvmlDevice is the subset of *nvml.Device behavior the prober depends on,
// so tests can substitute a fake without touching real hardware.
type nvmlDevice interface {
	GetMinorNumber() (int, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetName() (string, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetTemperature(sensorType nvml.TemperatureSensors) (uint32, nvml.Return)
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetGraphicsRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
}

// nvmlLibrary is the subset of the package-level nvml functions the
// prober depends on for enumeration.
type nvmlLibrary interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return)
}

// realNVML adapts the go-nvml package functions to nvmlLibrary.
type realNVML struct{}

func (realNVML) Init() nvml.Return     { return nvml.Init() }
func (realNVML) Shutdown() nvml.Return { return nvml.Shutdown() }
func (realNVML) DeviceGetCount() (int, nvml.Return) { return nvml.DeviceGetCount() }
func (realNVML) DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return) {
	return nvml.DeviceGetHandleByIndex(index)
}

// Prober owns the NVML handles for every card and produces periodic
// snapshots of their telemetry and process lists.
type Prober struct {
	logger *logrus.Entry
	lib    nvmlLibrary

	devices      []nvmlDevice
	minors       []uint32
	preInitMode  []os.FileMode
	lastUsage    []time.Time
	stale        []bool
}

// NewProber constructs a Prober. Call Init before Sample.
func NewProber(logger *logrus.Entry) *Prober {
	return &Prober{logger: logger, lib: realNVML{}}
}

// deviceNodeSnapshot is a device node's owner uid and mode as observed
// before NVML touches it.
type deviceNodeSnapshot struct {
	ownerUID int32
	mode     os.FileMode
}

// snapshotDeviceNodes stats every /dev/nvidia<N> card node, keyed by minor
// number. It must run before nvml.Init(), which resets every node's owner
// to root as a side effect of driver initialization; this is the only
// chance to observe who actually held a card across a daemon restart.
func snapshotDeviceNodes() (map[uint32]deviceNodeSnapshot, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, fmt.Errorf("reading /dev: %w", err)
	}

	snapshots := make(map[uint32]deviceNodeSnapshot)

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "nvidia") {
			continue
		}

		minor, err := strconv.ParseUint(strings.TrimPrefix(name, "nvidia"), 10, 32)
		if err != nil {
			// nvidiactl, nvidia-uvm, nvidia-modeset, etc: not a card node.
			continue
		}

		path := devicePath(uint32(minor))

		uid, err := ownerUID(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		snapshots[uint32(minor)] = deviceNodeSnapshot{ownerUID: uid, mode: info.Mode()}
	}

	return snapshots, nil
}

// Init snapshots every card node's owner uid before NVML resets it to root,
// initializes NVML, enumerates every visible card, and then re-applies each
// node's recorded pre-init owner. A card that was reserved by some uid
// before the daemon restarted comes back out of Init still reserved by that
// same uid; a card that was free (owned by root) is revoked as usual.
func (p *Prober) Init(gate *Gate) error {
	preInit, err := snapshotDeviceNodes()
	if err != nil {
		return fmt.Errorf("snapshotting device nodes: %w", err)
	}

	if ret := p.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}

	count, ret := p.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}

	p.devices = make([]nvmlDevice, 0, count)
	p.minors = make([]uint32, 0, count)
	p.preInitMode = make([]os.FileMode, 0, count)
	p.lastUsage = make([]time.Time, count)
	p.stale = make([]bool, count)

	for i := 0; i < count; i++ {
		dev, ret := p.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return fmt.Errorf("nvml device handle %d: %s", i, nvml.ErrorString(ret))
		}

		minor, ret := dev.GetMinorNumber()
		if ret != nvml.SUCCESS {
			return fmt.Errorf("nvml minor number for device %d: %s", i, nvml.ErrorString(ret))
		}

		snap, ok := preInit[uint32(minor)]
		if !ok {
			return fmt.Errorf("no pre-init snapshot for %s", devicePath(uint32(minor)))
		}

		p.devices = append(p.devices, dev)
		p.minors = append(p.minors, uint32(minor))
		p.preInitMode = append(p.preInitMode, snap.mode)

		if err := gate.Admit(uint32(minor), snap.ownerUID); err != nil {
			return fmt.Errorf("restoring pre-init owner of card %d: %w", i, err)
		}
	}

	p.logger.WithField("count", count).Info("NVML initialized")

	return nil
}

// Shutdown restores each device node's pre-daemon mode and shuts down NVML.
func (p *Prober) Shutdown() error {
	for i, minor := range p.minors {
		if err := os.Chmod(devicePath(minor), p.preInitMode[i]); err != nil {
			p.logger.WithError(err).WithField("minor", minor).Warn("failed to restore device mode")
		}
	}

	if ret := p.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}

	return nil
}

// CardCount returns the number of cards discovered by Init.
func (p *Prober) CardCount() int { return len(p.devices) }

// Sample refreshes telemetry for every card. A card whose sample fails is
// left with its previous snapshot and is reported stale for this tick; it
// does not abort sampling of the remaining cards.
func (p *Prober) Sample(ctx context.Context, prev []protocol.Card) []protocol.Card {
	cards := make([]protocol.Card, len(p.devices))

	for i, dev := range p.devices {
		card, err := p.sampleOne(uint32(i), dev)
		if err != nil {
			p.logger.WithError(err).WithField("card", i).Warn("sample failed, card marked stale for this tick")
			p.stale[i] = true

			if i < len(prev) {
				cards[i] = prev[i]
			} else {
				cards[i] = protocol.Card{Index: uint32(i), MinorID: p.minors[i]}
			}

			continue
		}

		p.stale[i] = false
		cards[i] = card
	}

	return cards
}

// IsStale reports whether card i's most recent sample attempt failed.
func (p *Prober) IsStale(i int) bool {
	if i < 0 || i >= len(p.stale) {
		return false
	}

	return p.stale[i]
}

func (p *Prober) sampleOne(index uint32, dev nvmlDevice) (protocol.Card, error) {
	minor := p.minors[index]

	uuid, ret := dev.GetUUID()
	if ret != nvml.SUCCESS {
		return protocol.Card{}, fmt.Errorf("get uuid: %s", nvml.ErrorString(ret))
	}

	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		return protocol.Card{}, fmt.Errorf("get name: %s", nvml.ErrorString(ret))
	}

	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return protocol.Card{}, fmt.Errorf("get memory info: %s", nvml.ErrorString(ret))
	}

	util, ret := dev.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return protocol.Card{}, fmt.Errorf("get utilization: %s", nvml.ErrorString(ret))
	}

	temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return protocol.Card{}, fmt.Errorf("get temperature: %s", nvml.ErrorString(ret))
	}

	compute, ret := dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return protocol.Card{}, fmt.Errorf("get compute processes: %s", nvml.ErrorString(ret))
	}

	graphics, ret := dev.GetGraphicsRunningProcesses()
	if ret != nvml.SUCCESS {
		return protocol.Card{}, fmt.Errorf("get graphics processes: %s", nvml.ErrorString(ret))
	}

	processes := mergeProcesses(compute, graphics)

	reservedByUID, err := ownerUID(devicePath(minor))
	if err != nil {
		return protocol.Card{}, fmt.Errorf("stat device node: %w", err)
	}

	// A node that has become group- or other-accessible is forced back to
	// 0600 so that only its owner can open it.
	if info, err := os.Stat(devicePath(minor)); err == nil && info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(devicePath(minor), 0o600); err != nil {
			p.logger.WithError(err).WithField("minor", minor).Warn("failed to reset device node mode")
		}
	}

	lastUsage := p.lastUsage[index]
	if len(processes) > 0 {
		lastUsage = time.Now()
		p.lastUsage[index] = lastUsage
	}

	return protocol.Card{
		Index:               index,
		MinorID:             minor,
		Name:                name,
		UUID:                uuid,
		ComputeUsagePercent: uint8(util.Gpu),
		MemoryTotal:         mem.Total,
		MemoryUsage:         mem.Used,
		TemperatureCelsius:  temp,
		ReservedByUID:       reservedByUID,
		Processes:           processes,
		LastUsageTime:       lastUsage,
	}, nil
}

// mergeProcesses combines a card's compute-context and graphics-context
// process lists into one, by pid, accumulating memory usage rather than
// inserting the same pid twice.
func mergeProcesses(lists ...[]nvml.ProcessInfo) []protocol.Process {
	byPID := make(map[uint32]*protocol.Process)
	order := make([]uint32, 0)

	for _, list := range lists {
		for _, pi := range list {
			if existing, ok := byPID[pi.Pid]; ok {
				existing.Memory += pi.UsedGpuMemory
				continue
			}

			uid, err := pidToUID(int32(pi.Pid))
			if err != nil {
				continue
			}

			p := &protocol.Process{
				UID:    uid,
				PID:    int32(pi.Pid),
				Memory: pi.UsedGpuMemory,
			}

			byPID[pi.Pid] = p
			order = append(order, pi.Pid)
		}
	}

	out := make([]protocol.Process, 0, len(order))
	for _, pid := range order {
		out = append(out, *byPID[pid])
	}

	return out
}

// pidToUID resolves a process's real uid by stat'ing its /proc entry,
// which the kernel always owns by that process's real uid. A pid that has
// already exited yields an error, which callers treat as "drop it".
func pidToUID(pid int32) (int32, error) {
	var st unix.Stat_t
	if err := unix.Stat("/proc/"+strconv.Itoa(int(pid)), &st); err != nil {
		return 0, fmt.Errorf("stat /proc/%d: %w", pid, err)
	}

	return int32(st.Uid), nil
}

func ownerUID(path string) (int32, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}

	return int32(st.Uid), nil
}

func devicePath(minor uint32) string {
	return fmt.Sprintf("/dev/nvidia%d", minor)
}
