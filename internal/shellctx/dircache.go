package shellctx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// DirContext holds the gathered surroundings of one working directory.
type DirContext struct {
	Path           string
	Listing        string            // ls -A output, single line
	GitBranch      string
	GitStagedFiles string
	PackageManager string            // detected from lockfile presence
	Manifests      map[string]string // manifest label -> extracted summary
}

const (
	dirCacheTTL    = 10 * time.Minute
	gatherTimeout  = 5 * time.Second
	fieldMaxBytes  = 512
)

// DirCache is a TTL cache of DirContext entries keyed by absolute path, so
// repeated context requests for the same directory don't re-shell-out.
type DirCache struct {
	cache *ttlcache.Cache[string, *DirContext]
}

// NewDirCache creates the cache and starts its expiration loop.
func NewDirCache() *DirCache {
	c := ttlcache.New[string, *DirContext](
		ttlcache.WithTTL[string, *DirContext](dirCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *DirContext](),
	)
	go c.Start()
	return &DirCache{cache: c}
}

// Close stops the cache expiration loop.
func (dc *DirCache) Close() {
	dc.cache.Stop()
}

// Get returns the cached entry for cwd, gathering it first on a miss.
func (dc *DirCache) Get(ctx context.Context, cwd string) *DirContext {
	if item := dc.cache.Get(cwd); item != nil {
		return item.Value()
	}
	entry := dc.gather(ctx, cwd)
	dc.cache.Set(cwd, entry, ttlcache.DefaultTTL)
	return entry
}

// gather shells out for the directory facts in parallel.
func (dc *DirCache) gather(ctx context.Context, cwd string) *DirContext {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	entry := &DirContext{Path: cwd, Manifests: make(map[string]string)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out := runCmd(ctx, cwd, "ls", "-A")
		entry.Listing = truncate(strings.Join(strings.Fields(out), " "), fieldMaxBytes)
		return nil
	})
	g.Go(func() error {
		entry.GitBranch = strings.TrimSpace(runCmd(ctx, cwd, "git", "rev-parse", "--abbrev-ref", "HEAD"))
		return nil
	})
	g.Go(func() error {
		out := strings.TrimSpace(runCmd(ctx, cwd, "git", "diff", "--cached", "--name-status"))
		entry.GitStagedFiles = parseStagedFiles(out, fieldMaxBytes)
		return nil
	})
	g.Wait()

	gatherManifests(cwd, entry.Manifests)
	entry.PackageManager = detectPackageManager(cwd)

	slog.Debug("gathered directory context", "path", cwd)
	return entry
}

// Render formats the entry as the CurrentLocation context payload.
func (d *DirContext) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cwd: %s\n", d.Path)
	if d.Listing != "" {
		fmt.Fprintf(&b, "contents: %s\n", d.Listing)
	}
	if d.GitBranch != "" {
		fmt.Fprintf(&b, "git branch: %s\n", d.GitBranch)
	}
	if d.GitStagedFiles != "" {
		fmt.Fprintf(&b, "git staged: %s\n", d.GitStagedFiles)
	}
	if d.PackageManager != "" {
		fmt.Fprintf(&b, "package manager: %s\n", d.PackageManager)
	}
	for label, content := range d.Manifests {
		fmt.Fprintf(&b, "%s: %s\n", label, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// runCmd runs a command and returns its stdout, or empty string on error.
func runCmd(ctx context.Context, dir string, name string, args ...string) string {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

var manifestFiles = []string{
	"package.json",
	"Makefile",
	"Cargo.toml",
	"go.mod",
}

func gatherManifests(dir string, out map[string]string) {
	for _, name := range manifestFiles {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var extracted, label string
		switch name {
		case "package.json":
			extracted, label = extractPackageJSONScripts(string(data)), "package.json scripts"
		case "Makefile":
			extracted, label = extractMakefileTargets(string(data)), "Makefile targets"
		case "Cargo.toml":
			extracted, label = extractCargoInfo(string(data)), "Cargo.toml"
		case "go.mod":
			extracted, label = extractGoModInfo(string(data)), "go.mod"
		}
		if extracted != "" {
			out[label] = extracted
		}
	}
}

// extractPackageJSONScripts extracts the "scripts" object from package.json.
func extractPackageJSONScripts(content string) string {
	var pkg map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return ""
	}
	var scripts map[string]string
	if err := json.Unmarshal(pkg["scripts"], &scripts); err != nil {
		return ""
	}
	parts := make([]string, 0, len(scripts))
	for k, v := range scripts {
		parts = append(parts, k+": "+v)
	}
	return truncate(strings.Join(parts, ", "), fieldMaxBytes)
}

// extractMakefileTargets extracts target names from a Makefile.
func extractMakefileTargets(content string) string {
	var targets []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '\t' || line[0] == '#' || line[0] == '.' {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		if idx+1 < len(line) && line[idx+1] == '=' {
			continue
		}
		target := strings.TrimSpace(line[:idx])
		if strings.ContainsAny(target, "$%") {
			continue
		}
		if !seen[target] {
			seen[target] = true
			targets = append(targets, target)
		}
	}
	return truncate(strings.Join(targets, ", "), fieldMaxBytes)
}

type cargoToml struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Bin []struct {
		Name string `toml:"name"`
	} `toml:"bin"`
}

// extractCargoInfo extracts the package name and [[bin]] targets.
func extractCargoInfo(content string) string {
	var cargo cargoToml
	if _, err := toml.Decode(content, &cargo); err != nil {
		return ""
	}
	var parts []string
	if cargo.Package.Name != "" {
		parts = append(parts, fmt.Sprintf(`name = "%s"`, cargo.Package.Name))
	}
	for _, bin := range cargo.Bin {
		if bin.Name != "" {
			parts = append(parts, fmt.Sprintf(`bin = "%s"`, bin.Name))
		}
	}
	return truncate(strings.Join(parts, ", "), fieldMaxBytes)
}

// extractGoModInfo extracts module path and Go version from go.mod.
func extractGoModInfo(content string) string {
	var parts []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "module ") {
			parts = append(parts, line)
		} else if strings.HasPrefix(line, "go ") && !strings.HasPrefix(line, "go.") {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, ", ")
}

// lockfileMap maps lockfile names to package manager names, more specific
// lockfiles first.
var lockfileMap = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
	{"Cargo.lock", "cargo"},
}

func detectPackageManager(dir string) string {
	for _, lf := range lockfileMap {
		if _, err := os.Stat(filepath.Join(dir, lf.file)); err == nil {
			return lf.manager
		}
	}
	return ""
}

// parseStagedFiles parses `git diff --cached --name-status` output into a
// space-separated string with change-type prefixes (e.g. "M:file.go A:new.go").
func parseStagedFiles(s string, maxBytes int) string {
	if s == "" {
		return ""
	}
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		if len(status) > 1 && (status[0] == 'R' || status[0] == 'C') {
			status = status[:1]
		}
		if status == "R" || status == "C" {
			if len(fields) >= 3 {
				parts = append(parts, status+":"+fields[1]+"→"+fields[2])
			}
		} else {
			parts = append(parts, status+":"+fields[1])
		}
	}
	return truncate(strings.Join(parts, " "), maxBytes)
}

// truncate truncates s to maxBytes, appending "..." if truncated.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "..."
}
