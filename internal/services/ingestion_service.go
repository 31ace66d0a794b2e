package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"lighting-forecast/internal/models"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// Canonical column names
const (
	colAccount          = "account"
	colName             = models.ColumnName
	colTariff           = models.ColumnTariff
	colYear             = "year"
	colMonth            = "month"
	colPeriodStart      = models.ColumnPeriodStart
	colPeriodEnd        = models.ColumnPeriodEnd
	colConsumption      = "consumption"
	colConsumptionValue = models.ColumnConsumptionValue
	colCurrentReading   = models.ColumnCurrentReading
	colPreviousReading  = models.ColumnPreviousReading
	colMeterFactor      = models.ColumnMeterFactor
	colLatitude         = models.ColumnLatitude
	colLongitude        = models.ColumnLongitude
)

// columnAliases maps normalised header names onto canonical columns
var columnAliases = map[string]string{
	"cuenta":            colAccount,
	"account":           colAccount,
	"account_id":        colAccount,
	"nombre":            colName,
	"name":              colName,
	"tarifa_activa":     colTariff,
	"tariff":            colTariff,
	"año":               colYear,
	"ano":               colYear,
	"anio":              colYear,
	"year":              colYear,
	"mes":               colMonth,
	"month":             colMonth,
	"fecha_lectura_ini": colPeriodStart,
	"period_start":      colPeriodStart,
	"fecha_lectura_fin": colPeriodEnd,
	"period_end":        colPeriodEnd,
	"consumo_act":       colConsumption,
	"consumption":       colConsumption,
	"consumption_kwh":   colConsumption,
	"consumo_act_valor": colConsumptionValue,
	"consumption_value": colConsumptionValue,
	"lectura_actual":    colCurrentReading,
	"current_reading":   colCurrentReading,
	"lectura_anterior":  colPreviousReading,
	"previous_reading":  colPreviousReading,
	"factor_medidor":    colMeterFactor,
	"meter_factor":      colMeterFactor,
	"latitud":           colLatitude,
	"latitude":          colLatitude,
	"longitud":          colLongitude,
	"longitude":         colLongitude,
}

var supportedExtensions = map[string]bool{
	".xlsx": true,
	".xlsm": true,
	".csv":  true,
}

// ErrNoInputFiles is returned when the input path holds no readable spreadsheets
var ErrNoInputFiles = errors.New("no input files found")

// IngestionService reads meter-reading spreadsheets into cleaned readings
type IngestionService struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	sheet   string
}

// IngestionResult contains the cleaned dataset and ingestion statistics
type IngestionResult struct {
	Readings          []models.Reading
	TotalFiles        int
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	Rejected          map[string]int

	// Columns lists the optional columns found in at least one file header,
	// in models.OptionalColumns order.
	Columns  []string
	Duration time.Duration
	Errors   []string
}

// NewIngestionService creates a new ingestion service. sheet selects the
// worksheet to read; empty means the first sheet of each workbook.
func NewIngestionService(sheet string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		logger:  logger,
		metrics: metricsCollector,
		sheet:   sheet,
	}
}

// IngestPath ingests a single file or every supported file in a directory.
// Files are read in name order and rows keep their file order, so the
// account order of the result is stable between runs.
func (s *IngestionService) IngestPath(ctx context.Context, path string) (*IngestionResult, error) {
	startTime := time.Now()

	s.logger.Info(ctx, "[INGEST_START] Starting data ingestion", logging.Fields{
		"input_path": path,
		"stage":      "INITIALIZATION",
	})

	files, err := discoverFiles(path)
	if err != nil {
		return nil, err
	}

	result := &IngestionResult{
		TotalFiles: len(files),
		Rejected:   make(map[string]int),
		Errors:     make([]string, 0),
	}

	s.logger.Info(ctx, "[INGEST_FILES] Found data files", logging.Fields{
		"file_count": len(files),
		"stage":      "FILE_DISCOVERY",
	})

	seen := make(map[string]bool)
	for _, filePath := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("ingestion interrupted: %w", err)
		}

		fileLog := s.logger.WithFields(logging.Fields{"file_path": filePath})

		fileResult, err := s.ingestFile(ctx, filePath)
		if err != nil {
			// A file that cannot be read at all aborts the run.
			fileLog.Error(ctx, "[INGEST_FILE_ERROR] File ingestion failed", logging.Fields{
				"stage": "FILE_PROCESSING",
			}, err)
			return nil, fmt.Errorf("ingest %s: %w", filePath, err)
		}
		s.metrics.IngestionFilesTotal.Inc()

		result.Readings = append(result.Readings, fileResult.readings...)
		result.TotalRecords += fileResult.total
		result.SuccessfulRecords += len(fileResult.readings)
		result.FailedRecords += fileResult.failed
		for code, n := range fileResult.rejected {
			result.Rejected[code] += n
		}
		result.Errors = append(result.Errors, fileResult.errors...)
		for _, col := range fileResult.columns {
			seen[col] = true
		}

		fileLog.Info(ctx, "[INGEST_FILE_SUCCESS] File ingested successfully", logging.Fields{
			"total_records":      fileResult.total,
			"successful_records": len(fileResult.readings),
			"failed_records":     fileResult.failed,
			"stage":              "FILE_COMPLETE",
		})
	}

	for _, col := range models.OptionalColumns {
		if seen[col] {
			result.Columns = append(result.Columns, col)
		}
	}

	for code, n := range result.Rejected {
		s.metrics.RecordRejected(code, n)
	}
	s.metrics.IngestionRecordsTotal.Add(float64(result.SuccessfulRecords))

	result.Duration = time.Since(startTime)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[INGEST_COMPLETE] Data ingestion completed", logging.Fields{
		"total_files":        result.TotalFiles,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"rejected":           result.Rejected,
		"duration_seconds":   result.Duration.Seconds(),
		"stage":              "COMPLETE",
	})

	return result, nil
}

type fileResult struct {
	readings []models.Reading
	columns  []string
	total    int
	failed   int
	rejected map[string]int
	errors   []string
}

// maxRowErrors caps the per-file row errors kept for the report
const maxRowErrors = 20

func (s *IngestionService) ingestFile(ctx context.Context, filePath string) (*fileResult, error) {
	rows, err := s.readRows(filePath)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("file has no header row")
	}

	columns, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	result := &fileResult{rejected: make(map[string]int)}
	for _, col := range models.OptionalColumns {
		if _, ok := columns[col]; ok {
			result.columns = append(result.columns, col)
		}
	}
	source := filepath.Base(filePath)

	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		result.total++

		raw := columns.raw(row)
		raw.Source = source
		raw.Row = i + 2

		reading, err := raw.ToReading()
		if err != nil {
			result.failed++
			code := "invalid_row"
			var verr *models.ValidationError
			if errors.As(err, &verr) {
				code = verr.Code
			}
			result.rejected[code]++
			if len(result.errors) < maxRowErrors {
				result.errors = append(result.errors, fmt.Sprintf("%s row %d: %v", source, raw.Row, err))
			}
			s.logger.Debug(ctx, "[INGEST_ROW_REJECTED] Row dropped", logging.Fields{
				"file": source,
				"row":  raw.Row,
				"code": code,
			})
			continue
		}
		result.readings = append(result.readings, *reading)
	}

	return result, nil
}

func (s *IngestionService) readRows(filePath string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".csv":
		return readCSV(filePath)
	default:
		return readWorkbook(filePath, s.sheet)
	}
}

func discoverFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input path: %w", err)
	}
	if !info.IsDir() {
		if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil, fmt.Errorf("unsupported input file %s", path)
		}
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		// Skip Office lock files
		if entry.IsDir() || strings.HasPrefix(name, "~$") {
			continue
		}
		if supportedExtensions[strings.ToLower(filepath.Ext(name))] {
			files = append(files, filepath.Join(path, name))
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoInputFiles, path)
	}
	return files, nil
}

func readWorkbook(filePath, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(out)+1, err)
		}
		out = append(out, cols)
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate sheet %q: %w", sheet, err)
	}
	return out, nil
}

func readCSV(filePath string) ([][]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.Comma = detectDelimiter(data)

	var out [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading file: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}

// detectDelimiter picks ';' for semicolon-separated exports, ',' otherwise
func detectDelimiter(data []byte) rune {
	line, _ := bufio.NewReader(bytes.NewReader(data)).ReadString('\n')
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}

// NormalizeHeader trims and lower-cases a header cell
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Join(strings.Fields(h), "_")
}

type columnIndex map[string]int

func mapHeader(header []string) (columnIndex, error) {
	columns := make(columnIndex)
	for i, h := range header {
		canonical, ok := columnAliases[NormalizeHeader(h)]
		if !ok {
			continue
		}
		// First occurrence wins when a file carries duplicate headers.
		if _, seen := columns[canonical]; !seen {
			columns[canonical] = i
		}
	}

	var missing []string
	for _, required := range []string{colAccount, colConsumption} {
		if _, ok := columns[required]; !ok {
			missing = append(missing, required)
		}
	}
	_, hasYear := columns[colYear]
	_, hasMonth := columns[colMonth]
	_, hasEnd := columns[colPeriodEnd]
	if !(hasYear && hasMonth) && !hasEnd {
		missing = append(missing, "year+month or period_end")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return columns, nil
}

func (c columnIndex) cell(row []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (c columnIndex) raw(row []string) models.RawReading {
	return models.RawReading{
		Account:          c.cell(row, colAccount),
		Name:             c.cell(row, colName),
		Tariff:           c.cell(row, colTariff),
		Year:             c.cell(row, colYear),
		Month:            c.cell(row, colMonth),
		PeriodStart:      c.cell(row, colPeriodStart),
		PeriodEnd:        c.cell(row, colPeriodEnd),
		Consumption:      c.cell(row, colConsumption),
		ConsumptionValue: c.cell(row, colConsumptionValue),
		CurrentReading:   c.cell(row, colCurrentReading),
		PreviousReading:  c.cell(row, colPreviousReading),
		MeterFactor:      c.cell(row, colMeterFactor),
		Latitude:         c.cell(row, colLatitude),
		Longitude:        c.cell(row, colLongitude),
	}
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
