package series

import (
	"reflect"
	"testing"
	"time"

	"lighting-forecast/internal/models"
)

func reading(account string, year int, month time.Month, kwh float64) models.Reading {
	return models.Reading{
		Account:        account,
		Period:         models.Month{Year: year, Month: month},
		ConsumptionKWh: kwh,
	}
}

func TestBuild(t *testing.T) {
	readings := []models.Reading{
		reading("A", 2024, time.March, 30),
		reading("B", 2024, time.January, 5),
		reading("A", 2024, time.January, 10),
		reading("A", 2024, time.January, 15),
		reading("A", 2023, time.December, 7),
	}

	got := Build(readings, "A")

	want := []models.MonthlyPoint{
		{Month: models.Month{Year: 2023, Month: time.December}, ConsumptionKWh: 7},
		{Month: models.Month{Year: 2024, Month: time.January}, ConsumptionKWh: 25},
		{Month: models.Month{Year: 2024, Month: time.March}, ConsumptionKWh: 30},
	}
	if got.Account != "A" {
		t.Errorf("Account = %q, want A", got.Account)
	}
	if !reflect.DeepEqual(got.Points, want) {
		t.Errorf("Points = %+v, want %+v", got.Points, want)
	}
}

func TestBuildUnknownAccount(t *testing.T) {
	got := Build([]models.Reading{reading("A", 2024, time.January, 1)}, "Z")
	if got.Len() != 0 {
		t.Errorf("Len() = %d, want 0", got.Len())
	}
	if _, ok := got.LastMonth(); ok {
		t.Error("empty series must not report a last month")
	}
}

func TestSameMonthReadingsAreSummed(t *testing.T) {
	readings := []models.Reading{
		reading("A", 2024, time.January, 40),
		reading("A", 2024, time.January, 60),
	}
	got := Build(readings, "A")
	if got.Len() != 1 || got.Points[0].ConsumptionKWh != 100 {
		t.Errorf("Points = %+v, want a single 100 kWh month", got.Points)
	}
}

func TestAccountsFirstSeenOrder(t *testing.T) {
	readings := []models.Reading{
		reading("C", 2024, time.January, 1),
		reading("A", 2024, time.January, 1),
		reading("C", 2024, time.February, 1),
		reading("B", 2024, time.January, 1),
	}
	got := Accounts(readings)
	want := []string{"C", "A", "B"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Accounts() = %v, want %v", got, want)
	}
}

func TestBuildAllMatchesBuild(t *testing.T) {
	readings := []models.Reading{
		reading("C", 2024, time.February, 2),
		reading("A", 2024, time.January, 1),
		reading("C", 2024, time.January, 3),
		reading("A", 2024, time.January, 4),
		reading("B", 2023, time.November, 5),
	}

	all := BuildAll(readings)
	accounts := Accounts(readings)
	if len(all) != len(accounts) {
		t.Fatalf("BuildAll() returned %d series, want %d", len(all), len(accounts))
	}
	for i, account := range accounts {
		if all[i].Account != account {
			t.Errorf("series %d account = %q, want %q", i, all[i].Account, account)
		}
		if want := Build(readings, account); !reflect.DeepEqual(all[i], want) {
			t.Errorf("BuildAll()[%d] = %+v, want %+v", i, all[i], want)
		}
	}
}

func TestMonthsStrictlyIncreasing(t *testing.T) {
	var readings []models.Reading
	for _, m := range []time.Month{time.May, time.January, time.March, time.January, time.December} {
		readings = append(readings, reading("A", 2024, m, 1))
	}
	s := Build(readings, "A")
	for i := 1; i < s.Len(); i++ {
		if !s.Points[i-1].Month.Before(s.Points[i].Month) {
			t.Fatalf("months not strictly increasing at %d: %v", i, s.Points)
		}
	}
}

func TestTotal(t *testing.T) {
	readings := []models.Reading{
		reading("A", 2024, time.January, 1),
		reading("B", 2024, time.January, 2),
		reading("B", 2024, time.February, 3),
	}
	got := Total(readings)
	if got.Len() != 2 || got.Points[0].ConsumptionKWh != 3 || got.Points[1].ConsumptionKWh != 3 {
		t.Errorf("Total() = %+v", got.Points)
	}
}
