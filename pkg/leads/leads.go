// Package leads reads lead lists from CSV files and exports stored leads.
package leads

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/models"
	"igoutreach/pkg/storage"
)

// handleColumns are the header names recognised as the handle column, in
// order of preference. Without a match the first column is used.
var handleColumns = []string{"username", "Username", "user", "User"}

// Load parses a CSV with a header row and returns the normalized handles in
// file order. Blank rows are skipped; duplicates are kept.
func Load(r io.Reader) ([]models.Handle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	col := 0
	for _, name := range handleColumns {
		if idx := indexOf(header, name); idx >= 0 {
			col = idx
			break
		}
	}

	var out []models.Handle
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}
		if col >= len(record) {
			continue
		}
		if h := models.Normalize(record[col]); h != "" {
			out = append(out, h)
		}
	}
	return out, nil
}

// LoadFile reads a lead CSV. Relative paths resolve against the working
// directory. A missing file is a configuration error.
func LoadFile(path string) ([]models.Handle, error) {
	full := path
	if !filepath.IsAbs(full) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		full = filepath.Join(wd, path)
	}

	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, errs.Wrap(errs.ErrorTypeConfig, err, "leads file not found: "+full)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Writer is the part of the lead store used by Import.
type Writer interface {
	UpsertLeads(ctx context.Context, tenant string, handles []models.Handle, source string, groupID *int64) (int, error)
}

// Reader is the part of the lead store used by Export.
type Reader interface {
	Leads(ctx context.Context, tenant string) ([]models.Lead, error)
}

// Import loads path into the store and returns the number of new leads.
func Import(ctx context.Context, st Writer, tenant, path string, groupID *int64) (int, error) {
	handles, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	return st.UpsertLeads(ctx, tenant, handles, "csv:"+filepath.Base(path), groupID)
}

// Export writes the tenant's leads, one handle per line, to the export
// called name. When groupID is set only that group is exported.
func Export(ctx context.Context, st Reader, m *storage.Manager, tenant, name string, groupID *int64) (string, int, error) {
	all, err := st.Leads(ctx, tenant)
	if err != nil {
		return "", 0, err
	}

	var buf bytes.Buffer
	n := 0
	seen := make(map[models.Handle]bool, len(all))
	for _, l := range all {
		if groupID != nil && (l.LeadGroupID == nil || *l.LeadGroupID != *groupID) {
			continue
		}
		h := models.Normalize(l.Handle.String())
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		buf.WriteString(h.String())
		buf.WriteByte('\n')
		n++
	}

	path, err := m.Save(&buf, name)
	if err != nil {
		return "", 0, errs.Wrap(errs.ErrorTypeStorage, err, "failed to export leads")
	}
	return path, n, nil
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == name {
			return i
		}
	}
	return -1
}
