package transport

import (
	"strings"
	"testing"
)

func TestChannelDirFromAISH_CHANNEL_DIR(t *testing.T) {
	t.Setenv("AISH_CHANNEL_DIR", "/custom/channels")
	if got := ChannelDir(); got != "/custom/channels" {
		t.Errorf("expected /custom/channels, got %s", got)
	}
}

func TestChannelDirFromXDG_RUNTIME_DIR(t *testing.T) {
	t.Setenv("AISH_CHANNEL_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := ChannelDir(); got != "/run/user/1000" {
		t.Errorf("expected /run/user/1000, got %s", got)
	}
}

func TestChannelDirFallback(t *testing.T) {
	t.Setenv("AISH_CHANNEL_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := ChannelDir(); got != "/tmp" {
		t.Errorf("expected /tmp, got %s", got)
	}
}

func TestRendezvousNameShape(t *testing.T) {
	t.Setenv("AISH_CHANNEL_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	got := RendezvousName(4242, "zsh")
	if got != "/tmp/aish-4242-zsh.sock" {
		t.Errorf("expected /tmp/aish-4242-zsh.sock, got %s", got)
	}
}

func TestRendezvousNameIsDeterministic(t *testing.T) {
	t.Setenv("AISH_CHANNEL_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	a := RendezvousName(7, "bash")
	b := RendezvousName(7, "bash")
	if a != b {
		t.Errorf("expected deterministic name, got %s and %s", a, b)
	}
}

func TestRendezvousNameTruncation(t *testing.T) {
	t.Setenv("AISH_CHANNEL_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	got := RendezvousName(123456, strings.Repeat("x", 200))
	if len(got) > maxSockPath {
		t.Errorf("path length %d exceeds sun_path budget %d: %s", len(got), maxSockPath, got)
	}
	if !strings.HasSuffix(got, sockSuffix) {
		t.Errorf("truncated name lost its suffix: %s", got)
	}
	if !strings.HasPrefix(got, "/tmp/aish-123456-") {
		t.Errorf("truncated name lost its prefix: %s", got)
	}
}

func TestRendezvousNameSanitizesExecutable(t *testing.T) {
	t.Setenv("AISH_CHANNEL_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	got := RendezvousName(9, "my shell!")
	if strings.ContainsAny(got, " !") {
		t.Errorf("expected sanitized name, got %s", got)
	}
}
