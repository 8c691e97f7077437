package dlm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/middlewared/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// sockaddrSize is the size of the addr attribute: a sockaddr_storage.
const sockaddrSize = 128

// Kernel drives the kernel DLM through sysfs (sysRoot, /sys/kernel/dlm)
// and configfs (configRoot, /sys/kernel/config/dlm). Only one Kernel
// should write to a given pair of roots.
type Kernel struct {
	sysRoot    string
	configRoot string
	logger     zerolog.Logger

	// Modprobe loads the dlm module. It is only called when sysRoot is
	// missing.
	Modprobe func(ctx context.Context) error

	mu      sync.Mutex
	stopped map[string]bool
}

// NewKernel creates a new Kernel over the given roots.
func NewKernel(sysRoot, configRoot string) *Kernel {
	return &Kernel{
		sysRoot:    sysRoot,
		configRoot: configRoot,
		logger:     log.WithComponent("dlm.kernel"),
		Modprobe: func(ctx context.Context) error {
			return exec.CommandContext(ctx, "modprobe", "dlm").Run()
		},
		stopped: make(map[string]bool),
	}
}

func (k *Kernel) clusterDir() string { return filepath.Join(k.configRoot, "cluster") }
func (k *Kernel) commsDir() string   { return filepath.Join(k.clusterDir(), "comms") }
func (k *Kernel) spacesDir() string  { return filepath.Join(k.clusterDir(), "spaces") }

func (k *Kernel) nodeDir(nodeID int) string {
	return filepath.Join(k.commsDir(), strconv.Itoa(nodeID))
}

func (k *Kernel) lockspaceNodesDir(name string) string {
	return filepath.Join(k.spacesDir(), name, "nodes")
}

// LoadKernelModule loads the dlm module if needed and creates the cluster
// directory. The cluster name is only written when the directory is new.
func (k *Kernel) LoadKernelModule(ctx context.Context, clusterName string) error {
	if !exists(k.sysRoot) {
		k.logger.Info().Msg("Loading dlm kernel module")
		if err := k.Modprobe(ctx); err != nil {
			return fmt.Errorf("failed to load dlm module: %w", err)
		}
	}
	if exists(k.clusterDir()) {
		return nil
	}
	if err := os.MkdirAll(k.clusterDir(), 0o755); err != nil {
		return err
	}
	return writeAttr(filepath.Join(k.clusterDir(), "cluster_name"), clusterName)
}

// CommsAddNode defines a cluster node. local is written last since the
// kernel acts on it.
func (k *Kernel) CommsAddNode(nodeID int, addr string, local bool, port int, mark *int) error {
	sa, err := packSockaddr(addr, port)
	if err != nil {
		return err
	}
	dir := k.nodeDir(nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(dir, "nodeid"), strconv.Itoa(nodeID)); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "addr"), sa, 0o644); err != nil {
		return err
	}
	if mark != nil {
		if err := writeAttr(filepath.Join(dir, "mark"), strconv.Itoa(*mark)); err != nil {
			return err
		}
	}
	return writeAttr(filepath.Join(dir, "local"), boolAttr(local))
}

// CommsRemoveNode removes a cluster node definition.
func (k *Kernel) CommsRemoveNode(nodeID int) error {
	return removeDir(k.nodeDir(nodeID))
}

// CommsNodeReady reports whether nodeID is defined.
func (k *Kernel) CommsNodeReady(nodeID int) bool {
	return exists(k.nodeDir(nodeID))
}

// LockspacePresent reports whether the kernel knows lockspace name.
func (k *Kernel) LockspacePresent(name string) bool {
	return exists(filepath.Join(k.sysRoot, name))
}

// LockspaceIsStopped reports whether name was stopped by this node.
func (k *Kernel) LockspaceIsStopped(name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stopped[name]
}

// LockspaceMarkStopped records that the kernel stopped name on its own, as
// it does for a lockspace being joined.
func (k *Kernel) LockspaceMarkStopped(name string) {
	k.mu.Lock()
	k.stopped[name] = true
	k.mu.Unlock()
}

// LockspaceStop stops lock activity in name.
func (k *Kernel) LockspaceStop(name string) error {
	if err := writeAttr(filepath.Join(k.sysRoot, name, "control"), "0"); err != nil {
		return err
	}
	k.LockspaceMarkStopped(name)
	return nil
}

// LockspaceStart resumes lock activity in name.
func (k *Kernel) LockspaceStart(name string) error {
	if err := writeAttr(filepath.Join(k.sysRoot, name, "control"), "1"); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.stopped, name)
	k.mu.Unlock()
	return nil
}

// GlobalID is the id both nodes derive for lockspace name.
func GlobalID(name string) uint32 {
	return crc32.ChecksumIEEE([]byte("dlm:ls:" + name + "\x00"))
}

// LockspaceSetGlobalID writes GlobalID(name) to the lockspace id attribute.
func (k *Kernel) LockspaceSetGlobalID(name string) error {
	return writeAttr(filepath.Join(k.sysRoot, name, "id"), strconv.FormatUint(uint64(GlobalID(name)), 10))
}

// LockspaceAddNode adds nodeID to lockspace name. An existing entry is
// removed first so the kernel sees the node rejoin.
func (k *Kernel) LockspaceAddNode(name string, nodeID int, weight *int) error {
	if !k.LockspaceIsStopped(name) {
		k.logger.Warn().Str("lockspace", name).Int("node", nodeID).Msg("Adding node to a lockspace that is not stopped")
	}
	dir := filepath.Join(k.lockspaceNodesDir(name), strconv.Itoa(nodeID))
	if exists(dir) {
		if err := removeDir(dir); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(dir, "nodeid"), strconv.Itoa(nodeID)); err != nil {
		return err
	}
	if weight != nil {
		return writeAttr(filepath.Join(dir, "weight"), strconv.Itoa(*weight))
	}
	return nil
}

// LockspaceRemoveNode removes nodeID from lockspace name.
func (k *Kernel) LockspaceRemoveNode(name string, nodeID int) error {
	if !k.LockspaceIsStopped(name) {
		k.logger.Warn().Str("lockspace", name).Int("node", nodeID).Msg("Removing node from a lockspace that is not stopped")
	}
	return removeDir(filepath.Join(k.lockspaceNodesDir(name), strconv.Itoa(nodeID)))
}

// LockspaceLeave removes every node of lockspace name and then the
// lockspace itself.
func (k *Kernel) LockspaceLeave(name string) error {
	entries, err := os.ReadDir(k.lockspaceNodesDir(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, e := range entries {
		if err := removeDir(filepath.Join(k.lockspaceNodesDir(name), e.Name())); err != nil {
			return err
		}
	}
	if err := removeDir(filepath.Join(k.spacesDir(), name)); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.stopped, name)
	k.mu.Unlock()
	return nil
}

// SetEventDone reports the outcome of a uevent back to the kernel; 0 is
// success.
func (k *Kernel) SetEventDone(name string, value int) error {
	return writeAttr(filepath.Join(k.sysRoot, name, "event_done"), strconv.Itoa(value))
}

// NodeLockspaces lists the lockspaces nodeID is a member of.
func (k *Kernel) NodeLockspaces(nodeID int) ([]string, error) {
	entries, err := os.ReadDir(k.spacesDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if exists(filepath.Join(k.lockspaceNodesDir(e.Name()), strconv.Itoa(nodeID))) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// packSockaddr builds the sockaddr_in the kernel expects in the addr
// attribute, zero padded to a sockaddr_storage.
func packSockaddr(addr string, port int) ([]byte, error) {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", addr)
	}
	buf := make([]byte, sockaddrSize)
	binary.NativeEndian.PutUint16(buf[0:2], unix.AF_INET)
	binary.BigEndian.PutUint16(buf[2:4], uint16(port))
	copy(buf[4:8], ip)
	return buf, nil
}

func writeAttr(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

// removeDir removes a configfs directory. Its attribute files vanish with
// it, so the directory is removed as a whole.
func removeDir(path string) error {
	if !exists(path) {
		return &os.PathError{Op: "remove", Path: path, Err: unix.ENOENT}
	}
	return os.RemoveAll(path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
