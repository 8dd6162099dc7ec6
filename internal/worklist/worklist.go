// Package worklist loads the per-area journal rosters that drive an index
// run. Each roster is a CSV file whose stem names the resulting index
// database.
package worklist

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

// Discover returns the roster files to process. When file is non-empty only
// that roster is returned; otherwise every *.csv under metaDir, sorted by
// name.
func Discover(metaDir, file string) ([]string, error) {
	if file != "" {
		path := filepath.Join(metaDir, file)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("roster %s: %w", path, err)
		}
		return []string{path}, nil
	}

	matches, err := filepath.Glob(filepath.Join(metaDir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", metaDir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Load parses a roster file into journal references. Rows without a library
// column fall back to defaultLibrary. Rows with a blank id are kept so the
// caller can resolve them by ISSN or title.
func Load(path, defaultLibrary string) ([]domain.JournalRef, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster %s: %w", path, err)
	}
	defer handle.Close()

	reader := csv.NewReader(handle)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}

	area := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	refs := make([]domain.JournalRef, 0, len(rows)-1)
	for _, row := range rows[1:] {
		ref := domain.JournalRef{
			Area:       area,
			SourceFile: path,
			Library:    field(row, col, "library"),
			Title:      field(row, col, "title"),
			ISSN:       field(row, col, "issn"),
		}
		if ref.Library == "" {
			ref.Library = defaultLibrary
		}
		if raw := field(row, col, "id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("roster %s: bad journal id %q: %w", path, raw, err)
			}
			ref.ID = id
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Save writes references back to their roster file, preserving the column
// set Load reads. Used after library fallback resolution updates ids.
func Save(path string, refs []domain.JournalRef) error {
	tmp := path + ".tmp"
	handle, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write roster %s: %w", path, err)
	}

	writer := csv.NewWriter(handle)
	rows := [][]string{{"id", "title", "issn", "library"}}
	for _, ref := range refs {
		id := ""
		if ref.ID != 0 {
			id = strconv.FormatInt(ref.ID, 10)
		}
		rows = append(rows, []string{id, ref.Title, ref.ISSN, ref.Library})
	}
	if err := writer.WriteAll(rows); err != nil {
		handle.Close()
		os.Remove(tmp)
		return fmt.Errorf("write roster %s: %w", path, err)
	}
	if err := handle.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write roster %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace roster %s: %w", path, err)
	}
	return nil
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
