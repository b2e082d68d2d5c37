package lanespec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadDir parses every lane document in a directory. Used at startup to
// seed or refresh lane definitions from checked-in files.
func LoadDir(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read lane dir: %w", err)
	}

	docs := make([]Document, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read lane file %s: %w", name, err)
		}
		doc, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("lane file %s: %w", name, err)
		}
		if prev, ok := seen[doc.Name]; ok {
			return nil, fmt.Errorf("lane file %s: duplicate lane %q (already defined in %s)", name, doc.Name, prev)
		}
		seen[doc.Name] = name
		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}
