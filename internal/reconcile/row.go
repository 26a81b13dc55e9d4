package reconcile

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/model"
)

// MetadataColumns lists the fixed columns in display order.
var MetadataColumns = []string{
	ColFileName,
	ColPath,
	ColStageName,
	ColStagePath,
	ColDealName,
	ColModified,
	ColSize,
	ColDateUploaded,
}

// Row converts an extracted record into its persisted form, keyed by
// absolute path. Every record field becomes a storage-named column. When
// two fields of the record share a column, the one that claimed it first
// in Register keeps it; unregistered fields fall back to record order. The
// other value is dropped with a warning.
func (m *Mapper) Row(rec *model.Record, uploaded time.Time) model.Row {
	cols := make(map[string]model.Value, len(rec.Fields)+len(MetadataColumns))
	for _, field := range rec.Order {
		name := strings.TrimSpace(field)
		col := m.ToStorage(name)
		owner, claimed := m.claimant(col)
		_, ownerPresent := rec.Fields[owner]
		_, taken := cols[col]
		if taken || (claimed && owner != name && ownerPresent) {
			zap.L().Warn("field shares a storage column, value dropped",
				zap.String("field", field),
				zap.String("column", col),
				zap.String("kept", owner),
				zap.String("path", rec.File.Path),
			)
			continue
		}
		cols[col] = rec.Fields[field]
	}

	f := rec.File
	cols[ColFileName] = model.Text(f.Name)
	cols[ColPath] = model.Text(f.Path)
	cols[ColStageName] = model.Text(f.StageName)
	cols[ColStagePath] = model.Text(f.StagePath)
	cols[ColDealName] = model.Text(f.DealName)
	cols[ColModified] = model.Date(f.Modified)
	cols[ColSize] = model.Number(float64(f.Size))
	cols[ColDateUploaded] = model.Date(uploaded)

	return model.Row{Path: f.Path, Columns: cols}
}

// Present renders a row with canonical names for presentation.
func (m *Mapper) Present(row model.Row) map[string]model.Value {
	out := make(map[string]model.Value, len(row.Columns))
	for col, v := range row.Columns {
		out[m.ToCanonical(col)] = v
	}
	return out
}
