package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Reading is one cleaned meter reading. Only readings with a positive
// consumption and a resolvable billing period reach the forecast core.
// The optional columns are carried through to the clean dataset; a value
// that does not parse is left empty rather than rejecting the row.
type Reading struct {
	Account          string    `json:"account" db:"account"`
	Name             string    `json:"name,omitempty" db:"name"`
	Tariff           string    `json:"tariff,omitempty" db:"tariff"`
	PeriodStart      time.Time `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd        time.Time `json:"period_end,omitempty" db:"period_end"`
	Period           Month     `json:"period"`
	ConsumptionKWh   float64   `json:"consumption_kwh" db:"consumption_kwh"`
	ConsumptionValue *float64  `json:"consumption_value,omitempty" db:"consumption_value"`
	CurrentReading   *float64  `json:"current_reading,omitempty" db:"current_reading"`
	PreviousReading  *float64  `json:"previous_reading,omitempty" db:"previous_reading"`
	MeterFactor      *float64  `json:"meter_factor,omitempty" db:"meter_factor"`
	Latitude         string    `json:"latitude,omitempty" db:"latitude"`
	Longitude        string    `json:"longitude,omitempty" db:"longitude"`
}

// Optional reading columns. OptionalColumns lists them in clean dataset order.
const (
	ColumnName             = "name"
	ColumnPeriodStart      = "period_start"
	ColumnPeriodEnd        = "period_end"
	ColumnConsumptionValue = "consumption_value"
	ColumnTariff           = "tariff"
	ColumnCurrentReading   = "current_reading"
	ColumnPreviousReading  = "previous_reading"
	ColumnMeterFactor      = "meter_factor"
	ColumnLatitude         = "latitude"
	ColumnLongitude        = "longitude"
)

var OptionalColumns = []string{
	ColumnName,
	ColumnPeriodStart,
	ColumnPeriodEnd,
	ColumnConsumptionValue,
	ColumnTariff,
	ColumnCurrentReading,
	ColumnPreviousReading,
	ColumnMeterFactor,
	ColumnLatitude,
	ColumnLongitude,
}

// RawReading is one spreadsheet row with its cells as text, after the header
// was mapped onto the canonical columns. Empty strings mean the column was
// absent or the cell was blank.
type RawReading struct {
	Source           string
	Row              int
	Account          string
	Name             string
	Tariff           string
	Year             string
	Month            string
	PeriodStart      string
	PeriodEnd        string
	Consumption      string
	ConsumptionValue string
	CurrentReading   string
	PreviousReading  string
	MeterFactor      string
	Latitude         string
	Longitude        string
}

// Validation error codes, also used as the rejection metric label
const (
	CodeMissingField           = "missing_field"
	CodeInvalidNumber          = "invalid_number"
	CodeNonPositiveConsumption = "non_positive_consumption"
	CodeInvalidDate            = "invalid_date"
)

// ToReading validates and converts the row. The billing period comes from
// the year/month columns when both are present, otherwise from the period-end
// date.
func (r *RawReading) ToReading() (*Reading, error) {
	account := normalizeAccount(r.Account)
	if account == "" {
		return nil, &ValidationError{Field: "account", Value: r.Account, Code: CodeMissingField, Message: "account is required"}
	}

	if strings.TrimSpace(r.Consumption) == "" {
		return nil, &ValidationError{Field: "consumption", Value: r.Consumption, Code: CodeMissingField, Message: "consumption is required"}
	}
	consumption, err := ParseNumber(r.Consumption)
	if err != nil {
		return nil, &ValidationError{Field: "consumption", Value: r.Consumption, Code: CodeInvalidNumber, Message: err.Error()}
	}
	if consumption <= 0 {
		return nil, &ValidationError{Field: "consumption", Value: r.Consumption, Code: CodeNonPositiveConsumption, Message: "consumption must be greater than zero"}
	}

	reading := &Reading{
		Account:          account,
		Name:             strings.TrimSpace(r.Name),
		Tariff:           strings.ToUpper(strings.TrimSpace(r.Tariff)),
		ConsumptionKWh:   consumption,
		ConsumptionValue: optionalNumber(r.ConsumptionValue),
		CurrentReading:   optionalNumber(r.CurrentReading),
		PreviousReading:  optionalNumber(r.PreviousReading),
		MeterFactor:      optionalNumber(r.MeterFactor),
		Latitude:         strings.TrimSpace(r.Latitude),
		Longitude:        strings.TrimSpace(r.Longitude),
	}
	if start, err := ParseDate(r.PeriodStart); err == nil {
		reading.PeriodStart = start
	}

	var periodEndErr error
	if strings.TrimSpace(r.PeriodEnd) != "" {
		reading.PeriodEnd, periodEndErr = ParseDate(r.PeriodEnd)
	}

	switch {
	case strings.TrimSpace(r.Year) != "" && strings.TrimSpace(r.Month) != "":
		period, err := r.explicitPeriod()
		if err != nil {
			return nil, err
		}
		reading.Period = period
	case strings.TrimSpace(r.PeriodEnd) != "":
		if periodEndErr != nil {
			return nil, &ValidationError{Field: "period_end", Value: r.PeriodEnd, Code: CodeInvalidDate, Message: periodEndErr.Error()}
		}
		reading.Period = MonthOf(reading.PeriodEnd)
	default:
		return nil, &ValidationError{Field: "period", Code: CodeMissingField, Message: "year/month or period end date is required"}
	}

	return reading, nil
}

func (r *RawReading) explicitPeriod() (Month, error) {
	year, err := parseInteger(r.Year)
	if err != nil {
		return Month{}, &ValidationError{Field: "year", Value: r.Year, Code: CodeInvalidNumber, Message: err.Error()}
	}
	month, err := parseInteger(r.Month)
	if err != nil {
		return Month{}, &ValidationError{Field: "month", Value: r.Month, Code: CodeInvalidNumber, Message: err.Error()}
	}
	period := Month{Year: year, Month: time.Month(month)}
	if !period.Valid() || year < 1900 {
		return Month{}, &ValidationError{
			Field:   "month",
			Value:   fmt.Sprintf("%s-%s", r.Year, r.Month),
			Code:    CodeInvalidDate,
			Message: "year/month is not a valid calendar month",
		}
	}
	return period, nil
}

// normalizeAccount trims the identifier and drops the ".0" suffix left behind
// when a numeric account column was stored as a float.
func normalizeAccount(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, ".0") {
		if _, err := strconv.ParseInt(strings.TrimSuffix(s, ".0"), 10, 64); err == nil {
			s = strings.TrimSuffix(s, ".0")
		}
	}
	return s
}

// ParseNumber parses a finite decimal. A lone comma is read as the decimal
// separator, except in "1,234" where it may as well group thousands; such
// values are rejected.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		if thousandsGrouped(s) {
			return 0, fmt.Errorf("ambiguous number %q, comma may be a thousands separator", s)
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite number %q", s)
	}
	return v, nil
}

// thousandsGrouped reports whether s reads as an integer with one comma
// thousands group, like "1,234" or "-12,500".
func thousandsGrouped(s string) bool {
	intPart, frac, _ := strings.Cut(strings.TrimLeft(s, "+-"), ",")
	if len(frac) != 3 || len(intPart) == 0 || len(intPart) > 3 || intPart[0] == '0' {
		return false
	}
	for _, c := range intPart + frac {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// optionalNumber parses a carried numeric column. Blank or unparseable cells
// give nil.
func optionalNumber(s string) *float64 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	v, err := ParseNumber(s)
	if err != nil {
		return nil
	}
	return &v
}

func parseInteger(s string) (int, error) {
	v, err := ParseNumber(s)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(v), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006/01/02",
}

// ParseDate accepts ISO dates, day-first dates and Excel serial numbers
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
