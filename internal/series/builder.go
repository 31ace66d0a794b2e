// Package series turns cleaned readings into canonical monthly series.
package series

import (
	"sort"

	"lighting-forecast/internal/models"
)

// Build returns the monthly series of one account. Readings that share a
// billing month are summed. An account without readings yields an empty series.
func Build(readings []models.Reading, account string) models.MonthlySeries {
	totals := make(map[models.Month]float64)
	for _, r := range readings {
		if r.Account == account {
			totals[r.Period] += r.ConsumptionKWh
		}
	}
	return models.MonthlySeries{Account: account, Points: sortedPoints(totals)}
}

// Accounts returns the distinct accounts in first-seen order
func Accounts(readings []models.Reading) []string {
	seen := make(map[string]struct{})
	var accounts []string
	for _, r := range readings {
		if _, ok := seen[r.Account]; ok {
			continue
		}
		seen[r.Account] = struct{}{}
		accounts = append(accounts, r.Account)
	}
	return accounts
}

// BuildAll builds every account's series in a single pass, in first-seen
// account order. The result for each account equals Build(readings, account).
func BuildAll(readings []models.Reading) []models.MonthlySeries {
	index := make(map[string]int)
	var accounts []string
	var totals []map[models.Month]float64

	for _, r := range readings {
		i, ok := index[r.Account]
		if !ok {
			i = len(accounts)
			index[r.Account] = i
			accounts = append(accounts, r.Account)
			totals = append(totals, make(map[models.Month]float64))
		}
		totals[i][r.Period] += r.ConsumptionKWh
	}

	out := make([]models.MonthlySeries, len(accounts))
	for i, account := range accounts {
		out[i] = models.MonthlySeries{Account: account, Points: sortedPoints(totals[i])}
	}
	return out
}

// Total sums all accounts into the system-wide monthly series
func Total(readings []models.Reading) models.MonthlySeries {
	totals := make(map[models.Month]float64)
	for _, r := range readings {
		totals[r.Period] += r.ConsumptionKWh
	}
	return models.MonthlySeries{Account: "*", Points: sortedPoints(totals)}
}

func sortedPoints(totals map[models.Month]float64) []models.MonthlyPoint {
	points := make([]models.MonthlyPoint, 0, len(totals))
	for m, v := range totals {
		points = append(points, models.MonthlyPoint{Month: m, ConsumptionKWh: v})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Month.Before(points[j].Month)
	})
	return points
}
