// Package skills discovers layered AGENT.md instruction files and
// matches user input against skill trigger phrases.
package skills

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// InstructionFilename is the per-layer instruction file name.
const InstructionFilename = "AGENT.md"

// CacheTTL bounds how long a discovered layer set is reused.
const CacheTTL = 60 * time.Second

// binaryExtensions are @include targets that are never inlined.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".bz2": true,
	".exe": true, ".bin": true, ".so": true, ".dylib": true, ".dll": true,
	".mp3": true, ".mp4": true, ".wav": true, ".woff": true, ".woff2": true,
}

// LayerSource names where an instruction layer came from.
type LayerSource string

const (
	LayerGlobal     LayerSource = "global"
	LayerProject    LayerSource = "project"
	LayerWorkingDir LayerSource = "working_dir"
)

// InstructionLayer is one resolved AGENT.md file with its includes
// expanded.
type InstructionLayer struct {
	Source  LayerSource
	Path    string
	Content string
}

type cacheEntry struct {
	layers  []InstructionLayer
	files   []string
	expires time.Time
}

// Discoverer resolves instruction layers for a working directory and
// caches the result. File changes seen by fsnotify invalidate cached
// entries before the TTL runs out.
type Discoverer struct {
	home    string
	logger  *slog.Logger
	now     func() time.Time
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	watched map[string]map[string]bool // file -> working dirs to invalidate
}

// NewDiscoverer builds a discoverer rooted at the user's home
// directory. The fsnotify watcher is optional; discovery still works
// when it cannot be created.
func NewDiscoverer(logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	home, _ := os.UserHomeDir()
	d := &Discoverer{
		home:    home,
		logger:  logger.With("component", "skills"),
		now:     time.Now,
		cache:   make(map[string]*cacheEntry),
		watched: make(map[string]map[string]bool),
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		d.watcher = w
		go d.watchLoop()
	} else {
		d.logger.Warn("instruction file watcher unavailable", "error", err)
	}
	return d
}

// Close stops the file watcher.
func (d *Discoverer) Close() error {
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

// Discover returns the instruction layers for workingDir: the global
// ~/.proxycast/AGENT.md, the AGENT.md at the first .git ancestor, and
// workingDir's own AGENT.md when it is not the project root. Empty
// layers are dropped. Results are cached per working directory.
func (d *Discoverer) Discover(workingDir string) []InstructionLayer {
	workingDir = filepath.Clean(workingDir)

	d.mu.Lock()
	if e, ok := d.cache[workingDir]; ok && d.now().Before(e.expires) {
		layers := e.layers
		d.mu.Unlock()
		return layers
	}
	d.mu.Unlock()

	type candidate struct {
		source LayerSource
		path   string
	}
	var candidates []candidate
	if d.home != "" {
		candidates = append(candidates, candidate{LayerGlobal, filepath.Join(d.home, ".proxycast", InstructionFilename)})
	}
	projectRoot := findProjectRoot(workingDir)
	if projectRoot != "" {
		candidates = append(candidates, candidate{LayerProject, filepath.Join(projectRoot, InstructionFilename)})
	}
	if projectRoot != workingDir {
		candidates = append(candidates, candidate{LayerWorkingDir, filepath.Join(workingDir, InstructionFilename)})
	}

	var layers []InstructionLayer
	var files []string
	for _, c := range candidates {
		visited := map[string]bool{}
		content := d.expandFile(c.path, visited)
		for f := range visited {
			files = append(files, f)
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		layers = append(layers, InstructionLayer{Source: c.source, Path: c.path, Content: content})
	}

	d.mu.Lock()
	d.cache[workingDir] = &cacheEntry{
		layers:  layers,
		files:   files,
		expires: d.now().Add(CacheTTL),
	}
	for _, f := range files {
		if d.watched[f] == nil {
			d.watched[f] = make(map[string]bool)
			if d.watcher != nil {
				if err := d.watcher.Add(f); err != nil {
					d.logger.Debug("watch instruction file", "path", f, "error", err)
				}
			}
		}
		d.watched[f][workingDir] = true
	}
	d.mu.Unlock()

	return layers
}

// Combined joins layers into a single instruction block, most general
// first.
func Combined(layers []InstructionLayer) string {
	parts := make([]string, 0, len(layers))
	for _, l := range layers {
		parts = append(parts, l.Content)
	}
	return strings.Join(parts, "\n\n")
}

// expandFile reads path and inlines @include lines recursively. The
// visited set breaks include cycles and doubles as the file list for
// watch registration.
func (d *Discoverer) expandFile(path string, visited map[string]bool) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if visited[abs] {
		return ""
	}
	visited[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return ""
	}

	var out strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "@") || len(trimmed) < 2 {
			out.WriteString(line)
			out.WriteString("\n")
			continue
		}
		target := d.resolveInclude(filepath.Dir(abs), trimmed[1:])
		if target == "" || binaryExtensions[strings.ToLower(filepath.Ext(target))] {
			continue
		}
		if expanded := d.expandFile(target, visited); expanded != "" {
			out.WriteString(expanded)
			out.WriteString("\n")
		}
	}
	return out.String()
}

// resolveInclude maps an @include argument to an absolute path.
// Supports ./, ../, ~/, absolute, and bare-relative forms.
func (d *Discoverer) resolveInclude(baseDir, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(ref, "~/"):
		if d.home == "" {
			return ""
		}
		return filepath.Join(d.home, ref[2:])
	case filepath.IsAbs(ref):
		return filepath.Clean(ref)
	default:
		return filepath.Join(baseDir, ref)
	}
}

// findProjectRoot walks up from dir to the first ancestor containing a
// .git entry.
func findProjectRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (d *Discoverer) watchLoop() {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.invalidate(ev.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Debug("instruction watcher error", "error", err)
		}
	}
}

func (d *Discoverer) invalidate(file string) {
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for dir := range d.watched[abs] {
		delete(d.cache, dir)
	}
}

// Invalidate drops the cached layers for workingDir.
func (d *Discoverer) Invalidate(workingDir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, filepath.Clean(workingDir))
}
