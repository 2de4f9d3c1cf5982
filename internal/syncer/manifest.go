package syncer

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manifest is the authoritative allow-list of asset names a host may hold.
// Entries are stored as written; membership tests run over logical names.
type Manifest struct {
	entries []string
	names   map[string]struct{}
}

// ParseManifest reads the newline-separated manifest format: one permitted
// asset name per line, UTF-8, blank lines ignored.
func ParseManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{names: make(map[string]struct{})}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, dup := m.names[LogicalName(line)]; dup {
			continue
		}
		m.entries = append(m.entries, line)
		m.names[LogicalName(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("syncer: read manifest: %w", err)
	}
	sort.Strings(m.entries)
	return m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f)
}

func (m *Manifest) Contains(logicalName string) bool {
	_, ok := m.names[logicalName]
	return ok
}

func (m *Manifest) Len() int { return len(m.entries) }

// Entries returns the manifest lines, sorted.
func (m *Manifest) Entries() []string {
	return append([]string(nil), m.entries...)
}

// WriteTo emits the persisted manifest format.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range m.entries {
		n, err := io.WriteString(w, e+"\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// GenerateManifest regenerates the manifest by walking an asset storage
// directory, emitting relative-directory-plus-filename for every file with a
// recognized archive suffix.
func GenerateManifest(root string) (*Manifest, error) {
	m := &Manifest{names: make(map[string]struct{})}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		packaged := false
		for _, s := range packagedSuffixes {
			if strings.HasSuffix(path, s) {
				packaged = true
				break
			}
		}
		if !packaged {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry := filepath.ToSlash(rel)
		m.entries = append(m.entries, entry)
		m.names[LogicalName(entry)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(m.entries)
	return m, nil
}
