// Package notebook loads the automation notebook: a directory of markdown
// automations and cues plus a shared scratchpad. Each automation file is an
// immutable snapshot identified by a content hash, so edits and renames
// produce new identities.
package notebook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	automationsDir = "automations"
	cuesDir        = "cues"
	memoryFile     = "memory.md"
)

// Automation is one notebook entry: the full file contents are the prompt.
type Automation struct {
	Hash     string
	FileName string
	Contents string
}

// modelDirective matches an optional per-automation model override, e.g.
// <!-- model: ollama/qwen3:30b -->
var modelDirective = regexp.MustCompile(`<!--\s*model:\s*([^\s]+)\s*-->`)

// ModelSelection returns the automation's model directive, empty when the
// file has none.
func (a Automation) ModelSelection() string {
	m := modelDirective.FindStringSubmatch(a.Contents)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Scan is one snapshot of the notebook directory.
type Scan struct {
	Automations []Automation
	Cues        []Automation
}

// AutomationByHash finds an automation in the scan.
func (s Scan) AutomationByHash(hash string) (Automation, bool) {
	for _, a := range s.Automations {
		if a.Hash == hash {
			return a, true
		}
	}
	return Automation{}, false
}

// CueByName finds a cue by file name (with or without the .md suffix).
func (s Scan) CueByName(name string) (Automation, bool) {
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	for _, c := range s.Cues {
		if c.FileName == name {
			return c, true
		}
	}
	return Automation{}, false
}

// Notebook reads automations, cues, and the scratchpad from one directory.
type Notebook struct {
	dir        string
	scratchpad *Scratchpad
}

// Open binds a notebook to a directory, creating the expected layout when
// missing.
func Open(dir string) (*Notebook, error) {
	if dir == "" {
		return nil, fmt.Errorf("notebook: directory is required")
	}
	for _, sub := range []string{automationsDir, cuesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("notebook: create %s: %w", sub, err)
		}
	}
	return &Notebook{
		dir:        dir,
		scratchpad: NewScratchpad(filepath.Join(dir, memoryFile)),
	}, nil
}

// Dir returns the notebook root.
func (n *Notebook) Dir() string { return n.dir }

// Scratchpad returns the shared memory file.
func (n *Notebook) Scratchpad() *Scratchpad { return n.scratchpad }

// Scan reads the current automation and cue sets, sorted by file name.
func (n *Notebook) Scan() (Scan, error) {
	automations, err := loadDir(filepath.Join(n.dir, automationsDir))
	if err != nil {
		return Scan{}, err
	}
	cues, err := loadDir(filepath.Join(n.dir, cuesDir))
	if err != nil {
		return Scan{}, err
	}
	return Scan{Automations: automations, Cues: cues}, nil
}

func loadDir(dir string) ([]Automation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("notebook: read %s: %w", dir, err)
	}

	var automations []Automation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("notebook: read %s: %w", entry.Name(), err)
		}
		text := string(contents)
		if strings.TrimSpace(text) == "" {
			continue
		}
		automations = append(automations, Automation{
			Hash:     HashContents(text),
			FileName: entry.Name(),
			Contents: text,
		})
	}
	sort.Slice(automations, func(i, j int) bool { return automations[i].FileName < automations[j].FileName })
	return automations, nil
}

// HashContents returns the content hash used as an automation's identity.
func HashContents(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}
