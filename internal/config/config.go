// Package config holds the runtime configuration shared by the hub,
// cluster-manager, and module processes.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds process runtime configuration. A single struct is shared by
// all three binaries (hub, manager, module) — each reads only the fields it
// needs, the way aegisd's Config is shared across its subsystems.
type Config struct {
	// DataDir is the base directory for this hub's runtime data (logs,
	// spawned-module output, the session ledger).
	DataDir string

	// BinDir is the directory searched for module binaries after PATH and
	// before the fixed system paths (see FindBinary).
	BinDir string

	// BasePort is the first TCP port the hub tries to bind for UI and
	// peer-hub connections. If occupied, the hub tries BasePort+1, +2, ...
	BasePort int

	// DataPortRangeStart/End bound the ports tried for the bulk-data proxy
	// listener, scanned the same way as BasePort.
	DataPortRangeStart int
	DataPortRangeEnd   int

	// ManagerPort is the fixed port this hub's locally-spawned cluster
	// manager listens on for incoming module connections. Unlike BasePort/
	// DataPortRangeStart it is not scanned: the hub picks it, passes it to
	// vistle-manager on the command line, and every module it spawns is
	// told to dial exactly this port.
	ManagerPort int

	// ModuleCacheDir is where internal/modreg unpacks module binaries
	// resolved from OCI image references.
	ModuleCacheDir string

	// ShmidsFile is the path to the segment-leak ledger
	// ("/tmp/vistle_shmids_<uid>.txt" by default).
	ShmidsFile string

	// SessionLogPath, if non-empty, enables the optional SQLite-backed replay
	// ledger (internal/sessionlog). Empty disables it.
	SessionLogPath string

	// SpawnCrashWindow and SpawnCrashLimit bound the spawn supervisor's
	// crash-loop detector: more than SpawnCrashLimit exits inside a rolling
	// SpawnCrashWindow gives up restarting a module.
	SpawnCrashWindow time.Duration
	SpawnCrashLimit  int

	// SpawnStopGrace is how long the supervisor waits after SIGTERM before
	// escalating to SIGKILL when stopping a module process.
	SpawnStopGrace time.Duration

	// DataProxyMinConns / DataProxyMaxConns bound the bulk-data proxy's
	// per-hub-pair connection pool.
	DataProxyMinConns int
	DataProxyMaxConns int

	// DataProxyCompress enables zstd compression of SendObject payloads.
	DataProxyCompress bool

	// ConnectTimeout bounds each dial made by the bulk-data proxy's
	// connection pool. Hub and manager dials use their own fixed timeout.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the default configuration, rooted under the user's
// home directory.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".vistle")
	uid := os.Getuid()

	return &Config{
		DataDir:            dataDir,
		BinDir:             executableDir(),
		BasePort:           31093,
		DataPortRangeStart: 31100,
		DataPortRangeEnd:   31200,
		ManagerPort:        31190,
		ModuleCacheDir:     filepath.Join(dataDir, "modcache"),
		ShmidsFile:         filepath.Join(os.TempDir(), shmidsFileName(uid)),
		SpawnCrashWindow:   10 * time.Second,
		SpawnCrashLimit:    5,
		SpawnStopGrace:     5 * time.Second,
		DataProxyMinConns:  2,
		DataProxyMaxConns:  12,
		DataProxyCompress:  false,
		ConnectTimeout:     10 * time.Second,
	}
}

// EnsureDirs creates all directories this config references.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, filepath.Join(c.DataDir, "logs"), c.ModuleCacheDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates a module or helper binary by name: PATH, then the
// sibling BinDir, then a fixed system path.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	for _, dir := range []string{"/usr/lib/vistle", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func shmidsFileName(uid int) string {
	return "vistle_shmids_" + strconv.Itoa(uid) + ".txt"
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
