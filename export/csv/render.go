// Package csv renders export records as CSV rows and manages artifact files
// under the results directory.
package csv

import (
	"strconv"
	"time"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

// Cell layouts for columns that are not full timestamps
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

var (
	dateColumns  = map[string]bool{"preferred_date": true}
	timeColumns  = map[string]bool{"preferred_time": true}
	moneyColumns = map[string]bool{"amount": true, "price": true, "total_price": true}
)

// Renderer turns records into CSV rows. It holds no state.
type Renderer struct{}

// NewRenderer creates a renderer
func NewRenderer() Renderer {
	return Renderer{}
}

// Header returns the header row for kind
func (Renderer) Header(kind export.Kind) []string {
	return export.Columns(kind)
}

// Row renders rec in the column order of kind. A missing column or a value
// of unsupported type is an error; the caller skips the record.
func (Renderer) Row(kind export.Kind, rec export.Record) ([]string, error) {
	cols := export.Columns(kind)
	if cols == nil {
		return nil, errors.Newf("unknown kind %q", kind)
	}

	row := make([]string, len(cols))
	for i, col := range cols {
		v, ok := rec.Fields[col]
		if !ok {
			return nil, errors.Newf("record %d has no %s", rec.ID, col)
		}
		cell, err := Cell(col, v)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d column %s", rec.ID, col)
		}
		row[i] = cell
	}
	return row, nil
}

// Cell renders a single value. nil is an empty cell, booleans are
// true/false, timestamps are RFC 3339 in UTC.
func Cell(column string, v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case int:
		return strconv.Itoa(val), nil
	case float64:
		if moneyColumns[column] {
			return strconv.FormatFloat(val, 'f', 2, 64), nil
		}
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		switch {
		case dateColumns[column]:
			return val.UTC().Format(DateLayout), nil
		case timeColumns[column]:
			return val.UTC().Format(TimeLayout), nil
		default:
			return val.UTC().Format(time.RFC3339), nil
		}
	default:
		return "", errors.Newf("unsupported value type %T", v)
	}
}
