package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// WriteCSV writes t as comma-separated values with a header line
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, len(t.Header))
	for i, row := range t.Rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, formatCell(v))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
