package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest declares a single agent: which registered kind to construct and the
// parameters that shape it. One manifest file lives in each agent's directory.
type Manifest struct {
	ID            string         `koanf:"id"`
	Kind          string         `koanf:"kind"`
	DisplayName   string         `koanf:"display_name"`
	ReplyTemplate string         `koanf:"reply_template"`
	TemplateFile  string         `koanf:"template_file"`
	Confidence    float64        `koanf:"confidence"`
	Params        map[string]any `koanf:"params"`

	// Populated by discovery, not the file itself.
	Path         string    `koanf:"-"`
	LastModified time.Time `koanf:"-"`
}

// manifestNames are the recognized per-directory manifest file names, probed
// in order so a directory carrying several keeps a deterministic winner.
var manifestNames = []string{"agent.yaml", "agent.yml", "agent.json", "agent.toml"}

// defaultExcludes are directory names discovery always skips.
var defaultExcludes = []string{".git", "__pycache__", "testdata", "node_modules"}

// DiscoverManifests scans the immediate subdirectories of folder for agent
// manifests. Directories named in exclude (or in the built-in skip list) are
// ignored. Unparseable manifests are returned as skips, not errors, so one
// broken agent never hides the rest.
func DiscoverManifests(folder string, exclude []string) ([]Manifest, []ManifestSkip, error) {
	stat, err := os.Stat(folder)
	if err != nil {
		return nil, nil, fmt.Errorf("agents: manifest folder %s: %w", folder, err)
	}
	if !stat.IsDir() {
		return nil, nil, fmt.Errorf("agents: manifest folder %s is not a directory", folder)
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, nil, fmt.Errorf("agents: read manifest folder %s: %w", folder, err)
	}

	var (
		manifests []Manifest
		skips     []ManifestSkip
		seen      = map[string]string{}
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if excluded(name, exclude) {
			continue
		}
		path, ok := manifestPath(filepath.Join(folder, name))
		if !ok {
			continue
		}
		manifest, err := LoadManifest(path)
		if err != nil {
			skips = append(skips, ManifestSkip{Path: path, Reason: err.Error()})
			continue
		}
		if prev, dup := seen[manifest.ID]; dup {
			skips = append(skips, ManifestSkip{
				Path:   path,
				Reason: fmt.Sprintf("duplicate agent id %q, first defined in %s", manifest.ID, prev),
			})
			continue
		}
		seen[manifest.ID] = path
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	sort.Slice(skips, func(i, j int) bool { return skips[i].Path < skips[j].Path })
	return manifests, skips, nil
}

// ManifestSkip records a manifest that discovery found but could not use.
type ManifestSkip struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// LoadManifest parses one manifest file, picking the parser by extension.
func LoadManifest(path string) (Manifest, error) {
	parser, err := parserFor(path)
	if err != nil {
		return Manifest{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("agents: load manifest %s: %w", path, err)
	}
	var manifest Manifest
	if err := k.Unmarshal("", &manifest); err != nil {
		return Manifest{}, fmt.Errorf("agents: decode manifest %s: %w", path, err)
	}
	if strings.TrimSpace(manifest.ID) == "" {
		return Manifest{}, fmt.Errorf("agents: manifest %s: id is required", path)
	}
	if strings.TrimSpace(manifest.Kind) == "" {
		return Manifest{}, fmt.Errorf("agents: manifest %s: kind is required", path)
	}
	manifest.Path = path
	if info, err := os.Stat(path); err == nil {
		manifest.LastModified = info.ModTime()
	}
	return manifest, nil
}

func manifestPath(dir string) (string, bool) {
	for _, name := range manifestNames {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

func excluded(name string, exclude []string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if slices.Contains(defaultExcludes, name) {
		return true
	}
	return slices.Contains(exclude, name)
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("agents: unsupported manifest extension %s", filepath.Ext(path))
	}
}
