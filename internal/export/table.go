// Package export writes forecast tables, cleaned datasets and run reports.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"lighting-forecast/internal/models"
)

// Table is a header plus rows of cell values, ready for a spreadsheet or CSV
type Table struct {
	Sheet  string
	Header []string
	Rows   [][]interface{}
}

// ForecastHeader returns the forecast output columns for locale
func ForecastHeader(locale models.Locale) []string {
	if locale == models.LocaleEN {
		return []string{"account", "year", "month", "month_name", "forecast_kwh"}
	}
	return []string{"cuenta", "año", "mes", "mes_nombre", "consumo_pronosticado_kwh"}
}

// ForecastTable builds the output table of a forecast run
func ForecastTable(records []models.ForecastRecord, locale models.Locale) *Table {
	t := &Table{Sheet: "pronostico", Header: ForecastHeader(locale)}
	if locale == models.LocaleEN {
		t.Sheet = "forecast"
	}
	t.Rows = make([][]interface{}, len(records))
	for i, r := range records {
		t.Rows[i] = []interface{}{r.Account, r.Year, r.Month, r.MonthName, r.PredictedKWh}
	}
	return t
}

// readingColumn is one clean dataset column. Columns with an empty key are
// always written; the others only when the input carried them.
type readingColumn struct {
	key   string
	es    string
	en    string
	value func(r models.Reading, locale models.Locale) interface{}
}

var readingColumns = []readingColumn{
	{"", "cuenta", "account", func(r models.Reading, _ models.Locale) interface{} { return r.Account }},
	{models.ColumnName, "nombre", "name", func(r models.Reading, _ models.Locale) interface{} { return r.Name }},
	{"", "año", "year", func(r models.Reading, _ models.Locale) interface{} { return r.Period.Year }},
	{"", "mes", "month", func(r models.Reading, _ models.Locale) interface{} { return int(r.Period.Month) }},
	{"", "mes_nombre", "month_name", func(r models.Reading, l models.Locale) interface{} { return l.MonthName(r.Period.Month) }},
	{models.ColumnPeriodStart, "fecha_lectura_ini", "period_start", func(r models.Reading, _ models.Locale) interface{} { return dateCell(r.PeriodStart) }},
	{models.ColumnPeriodEnd, "fecha_lectura_fin", "period_end", func(r models.Reading, _ models.Locale) interface{} { return dateCell(r.PeriodEnd) }},
	{"", "consumo_act", "consumption_kwh", func(r models.Reading, _ models.Locale) interface{} { return r.ConsumptionKWh }},
	{models.ColumnConsumptionValue, "consumo_act_valor", "consumption_value", func(r models.Reading, _ models.Locale) interface{} { return numberCell(r.ConsumptionValue) }},
	{models.ColumnTariff, "tarifa_activa", "tariff", func(r models.Reading, _ models.Locale) interface{} { return r.Tariff }},
	{models.ColumnCurrentReading, "lectura_actual", "current_reading", func(r models.Reading, _ models.Locale) interface{} { return numberCell(r.CurrentReading) }},
	{models.ColumnPreviousReading, "lectura_anterior", "previous_reading", func(r models.Reading, _ models.Locale) interface{} { return numberCell(r.PreviousReading) }},
	{models.ColumnMeterFactor, "factor_medidor", "meter_factor", func(r models.Reading, _ models.Locale) interface{} { return numberCell(r.MeterFactor) }},
	{models.ColumnLatitude, "latitud", "latitude", func(r models.Reading, _ models.Locale) interface{} { return coordinateCell(r.Latitude) }},
	{models.ColumnLongitude, "longitud", "longitude", func(r models.Reading, _ models.Locale) interface{} { return coordinateCell(r.Longitude) }},
}

func selectReadingColumns(columns []string) []readingColumn {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	var out []readingColumn
	for _, c := range readingColumns {
		if c.key == "" || present[c.key] {
			out = append(out, c)
		}
	}
	return out
}

// ReadingsHeader returns the clean dataset header for the optional columns
// the input carried. The names are accepted by the ingestion header aliases,
// so the export can be re-ingested.
func ReadingsHeader(columns []string, locale models.Locale) []string {
	selected := selectReadingColumns(columns)
	header := make([]string, len(selected))
	for i, c := range selected {
		header[i] = c.es
		if locale == models.LocaleEN {
			header[i] = c.en
		}
	}
	return header
}

// ReadingsTable builds the clean dataset table, ordered by billing month.
// Readings of the same month keep their input order. columns names the
// optional columns to write; see models.OptionalColumns.
func ReadingsTable(readings []models.Reading, columns []string, locale models.Locale) *Table {
	ordered := append([]models.Reading(nil), readings...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Period.Before(ordered[j].Period)
	})

	t := &Table{Sheet: "datos", Header: ReadingsHeader(columns, locale)}
	if locale == models.LocaleEN {
		t.Sheet = "readings"
	}
	selected := selectReadingColumns(columns)
	t.Rows = make([][]interface{}, len(ordered))
	for i, r := range ordered {
		row := make([]interface{}, len(selected))
		for j, c := range selected {
			row[j] = c.value(r, locale)
		}
		t.Rows[i] = row
	}
	return t
}

func dateCell(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format("2006-01-02")
}

func numberCell(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// coordinateCell writes parseable coordinates as numbers and anything else
// verbatim.
func coordinateCell(s string) interface{} {
	if s == "" {
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}

// WriteFile writes t to path, choosing the format from the extension
func WriteFile(path string, t *Table) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return writeXLSXFile(path, t)
	case ".csv":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if err := WriteCSV(f, t); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		return fmt.Errorf("unsupported output format %q", filepath.Ext(path))
	}
}
