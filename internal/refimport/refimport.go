// Package refimport reads reference records from CSV or JSON files for
// loading into the store.
package refimport

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/refguard/internal/model"
)

// IDColumn is the CSV header (case-insensitive) holding the reference ID.
const IDColumn = "id"

// ReadFile reads references from path. Files ending in .json hold an array of
// references; anything else is read as CSV with a header row.
func ReadFile(path string) ([]model.Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "refimport: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ReadJSON(f)
	}
	return ReadCSV(f)
}

// ReadJSON decodes an array of references. Records without an ID are skipped
// and later duplicates of an ID replace earlier ones.
func ReadJSON(r io.Reader) ([]model.Reference, error) {
	var raw []model.Reference
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, eris.Wrap(err, "refimport: decode json")
	}

	out := make([]model.Reference, 0, len(raw))
	index := make(map[string]int, len(raw))
	for _, ref := range raw {
		ref.ID = strings.TrimSpace(ref.ID)
		if ref.ID == "" {
			continue
		}
		ref.Fields = normalizeFields(ref.Fields)
		if i, ok := index[ref.ID]; ok {
			out[i] = ref
			continue
		}
		index[ref.ID] = len(out)
		out = append(out, ref)
	}
	return out, nil
}

// ReadCSV reads a header row and one reference per row. The id column becomes
// the reference ID; every other non-empty cell becomes a field. Rows without
// an ID are skipped and repeated IDs keep the first row.
func ReadCSV(r io.Reader) ([]model.Reference, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "refimport: read csv")
	}
	if len(records) < 2 {
		return nil, nil // header only or empty
	}

	headers := make([]string, len(records[0]))
	idIdx := -1
	for i, h := range records[0] {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
		if headers[i] == IDColumn && idIdx < 0 {
			idIdx = i
		}
	}
	if idIdx < 0 {
		return nil, eris.Errorf("refimport: csv has no %q column", IDColumn)
	}

	seen := make(map[string]struct{})
	var out []model.Reference
	for _, row := range records[1:] {
		if idIdx >= len(row) {
			continue
		}
		id := strings.TrimSpace(row[idIdx])
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		fields := make(map[string]any, len(headers)-1)
		for i, h := range headers {
			if i == idIdx || i >= len(row) || h == "" {
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				fields[h] = v
			}
		}
		out = append(out, model.Reference{ID: id, Fields: normalizeFields(fields)})
	}
	return out, nil
}

// normalizeFields rewrites string values, including those nested in lists,
// to Unicode NFC so equal text compares equal in validation.
func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	for k, v := range fields {
		fields[k] = normalizeValue(v)
	}
	return fields
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	case map[string]any:
		return normalizeFields(t)
	}
	return v
}
