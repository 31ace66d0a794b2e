package models

import (
	"fmt"
	"strings"
	"time"
)

// Month is a calendar month. It is the billing period of a reading and the
// time index of every monthly series.
type Month struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// MonthOf returns the month containing t
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// Valid reports whether the month number is in 1..12
func (m Month) Valid() bool {
	return m.Month >= time.January && m.Month <= time.December
}

// Index is the number of months since year 0. Consecutive months differ by one.
func (m Month) Index() int {
	return m.Year*12 + int(m.Month) - 1
}

// AddMonths returns the month n months after m (n may be negative)
func (m Month) AddMonths(n int) Month {
	idx := m.Index() + n
	year := idx / 12
	rem := idx % 12
	if rem < 0 {
		rem += 12
		year--
	}
	return Month{Year: year, Month: time.Month(rem + 1)}
}

// Next returns the following month
func (m Month) Next() Month {
	return m.AddMonths(1)
}

// Before reports whether m is strictly earlier than o
func (m Month) Before(o Month) bool {
	return m.Index() < o.Index()
}

// FirstDay returns midnight UTC on the first day of the month
func (m Month) FirstDay() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// ParseMonth parses the "2006-01" form produced by String
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

// Locale selects the language of month display names and export headers
type Locale string

const (
	LocaleES Locale = "es"
	LocaleEN Locale = "en"
)

// ParseLocale normalises a configured locale. Unknown values fall back to Spanish.
func ParseLocale(s string) Locale {
	if strings.EqualFold(strings.TrimSpace(s), string(LocaleEN)) {
		return LocaleEN
	}
	return LocaleES
}

var spanishMonths = [12]string{
	"Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre",
}

// MonthName returns the display name of month in the given locale
func (l Locale) MonthName(month time.Month) string {
	if month < time.January || month > time.December {
		return ""
	}
	if l == LocaleEN {
		return month.String()
	}
	return spanishMonths[month-1]
}
