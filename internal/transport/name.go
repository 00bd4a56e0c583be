package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	namePrefix = "aish-"
	sockSuffix = ".sock"

	// maxSockPath stays under the smallest sun_path limit we run on
	// (104 bytes on macOS, 108 on Linux), with room for a NUL.
	maxSockPath = 103
)

// ChannelDir returns the directory rendezvous sockets live in.
// Resolution order: $AISH_CHANNEL_DIR > $XDG_RUNTIME_DIR > /tmp
func ChannelDir() string {
	if dir := os.Getenv("AISH_CHANNEL_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

// RendezvousName derives the deterministic socket path for a hosting process:
// prefix, pid, and executable base name, truncated to fit the socket path
// limit. This is the only out-of-band information a peer needs to connect.
func RendezvousName(pid int, executable string) string {
	base := fmt.Sprintf("%s%d-%s", namePrefix, pid, sanitizeExe(executable))

	dir := ChannelDir()
	// Reserve room for the separator and suffix before truncating the base.
	budget := maxSockPath - len(dir) - 1 - len(sockSuffix)
	if budget < len(namePrefix) {
		// Pathological channel dir; fall back to /tmp which always fits.
		dir = "/tmp"
		budget = maxSockPath - len(dir) - 1 - len(sockSuffix)
	}
	if len(base) > budget {
		base = base[:budget]
	}
	return filepath.Join(dir, base+sockSuffix)
}

// SelfRendezvousName returns the rendezvous name for the current process.
func SelfRendezvousName() string {
	exe, err := os.Executable()
	if err != nil {
		exe = "unknown"
	}
	return RendezvousName(os.Getpid(), filepath.Base(exe))
}

func sanitizeExe(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, name)
}
