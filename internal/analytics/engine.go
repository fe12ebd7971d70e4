// Package analytics filters, sorts and summarizes refuel-log collections.
// All functions are pure: inputs are never mutated, results are fresh slices.
package analytics

import (
	"log/slog"
	"sort"

	"tanklog/internal/core"
)

// AllCars selects every vehicle in a Criteria.
const AllCars int64 = 0

// AllMonths selects every month bucket in a Criteria.
const AllMonths = "all"

// Granularity picks how a date range bound is compared against a log date.
// The history table compares full dates, the analytics dashboard truncates
// both sides to the year-month. The two modes diverge on purpose — a range
// ending 2024-03-10 includes a log from 2024-03-20 under ByMonth but not
// under ByDate — so callers choose explicitly and they are never unified.
type Granularity int

const (
	ByDate Granularity = iota
	ByMonth
)

// Criteria is the filter input shared by the history and analytics views.
// Zero values mean "no constraint": CarID AllCars, Month empty or
// AllMonths, empty Start/End.
type Criteria struct {
	CarID       int64
	Month       string // "all" or "YYYY-MM"
	Start       string // "YYYY-MM-DD", inclusive
	End         string // "YYYY-MM-DD", inclusive
	Granularity Granularity
}

func (c Criteria) matches(l core.RefuelLog) bool {
	if c.CarID != AllCars && l.CarID != c.CarID {
		return false
	}

	needMonth := (c.Month != "" && c.Month != AllMonths) || c.Granularity == ByMonth && (c.Start != "" || c.End != "")
	ym, ok := l.YearMonth()
	if needMonth && !ok {
		// Month-based constraints cannot be evaluated for this record.
		return false
	}
	if c.Month != "" && c.Month != AllMonths && ym != c.Month {
		return false
	}

	switch c.Granularity {
	case ByMonth:
		if c.Start != "" && ym < monthPrefix(c.Start) {
			return false
		}
		if c.End != "" && ym > monthPrefix(c.End) {
			return false
		}
	default:
		if c.Start != "" && l.Date < c.Start {
			return false
		}
		if c.End != "" && l.Date > c.End {
			return false
		}
	}
	return true
}

func monthPrefix(date string) string {
	if len(date) > 7 {
		return date[:7]
	}
	return date
}

// Filter returns the logs matching the criteria, preserving input order.
// Filtering is idempotent: Filter(Filter(L, c), c) == Filter(L, c).
func Filter(logs []core.RefuelLog, c Criteria) []core.RefuelLog {
	out := make([]core.RefuelLog, 0, len(logs))
	for _, l := range logs {
		if c.matches(l) {
			out = append(out, l)
		}
	}
	return out
}

// MonthBuckets returns the distinct "YYYY-MM" prefixes present in the
// collection, ascending. Records with malformed dates are logged and
// skipped; one bad row never breaks the selector.
func MonthBuckets(logs []core.RefuelLog) []string {
	seen := make(map[string]struct{})
	for _, l := range logs {
		ym, ok := l.YearMonth()
		if !ok {
			slog.Warn("Skipping log with malformed date", "id", l.ID, "date", l.Date)
			continue
		}
		seen[ym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ym := range seen {
		out = append(out, ym)
	}
	sort.Strings(out)
	return out
}

type Column string

const (
	ColumnMileage Column = "mileage"
	ColumnLiters  Column = "liters"
	ColumnPrice   Column = "price"
)

func (c Column) Valid() bool {
	switch c {
	case ColumnMileage, ColumnLiters, ColumnPrice:
		return true
	}
	return false
}

type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// SortState tracks the single active sort column of the history table.
// The zero value means insertion order (no sort applied).
type SortState struct {
	Column    Column
	Direction Direction
}

// Toggle applies the table-header click rule: selecting the active column
// flips its direction, selecting a different column resets to ascending.
func (s *SortState) Toggle(col Column) {
	if s.Column == col {
		if s.Direction == Ascending {
			s.Direction = Descending
		} else {
			s.Direction = Ascending
		}
		return
	}
	s.Column = col
	s.Direction = Ascending
}

// SortLogs returns a copy of logs ordered by the given numeric column.
// The sort is stable, so ties keep their prior relative order. An invalid
// column leaves insertion order untouched.
func SortLogs(logs []core.RefuelLog, col Column, dir Direction) []core.RefuelLog {
	out := make([]core.RefuelLog, len(logs))
	copy(out, logs)
	if !col.Valid() {
		return out
	}
	key := func(l core.RefuelLog) float64 {
		switch col {
		case ColumnLiters:
			return l.Liters
		case ColumnPrice:
			return l.Price
		default:
			return l.Mileage
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if dir == Descending {
			return key(out[j]) < key(out[i])
		}
		return key(out[i]) < key(out[j])
	})
	return out
}

// Metrics are the per-entry derived values. A metric whose denominator is
// zero is left unset with its Valid flag false — never NaN or Inf.
type Metrics struct {
	CostPerKm       float64
	CostPerKmValid  bool
	KmPerLiter      float64
	KmPerLiterValid bool
}

// Derive computes cost-per-distance and distance-per-volume for one entry.
func Derive(l core.RefuelLog) Metrics {
	var m Metrics
	if l.Mileage != 0 {
		m.CostPerKm = l.Price / l.Mileage
		m.CostPerKmValid = true
	}
	if l.Liters != 0 {
		m.KmPerLiter = l.Mileage / l.Liters
		m.KmPerLiterValid = true
	}
	return m
}

// Summary holds totals and totals-derived averages over a filtered set.
type Summary struct {
	TotalMileage  float64
	TotalLiters   float64
	TotalPrice    float64
	AvgCostPerKm  float64
	AvgKmPerLiter float64
}

// Summarize sums the raw columns and derives the averages from the totals.
/// Deliberately NOT the mean of per-entry ratios: totals-based averages are
// weighted by distance/volume and the two methods diverge when entries
// differ in magnitude. An empty or zero-total set yields zero averages.
func Summarize(logs []core.RefuelLog) Summary {
	var s Summary
	for _, l := range logs {
		s.TotalMileage += l.Mileage
		s.TotalLiters += l.Liters
		s.TotalPrice += l.Price
	}
	if s.TotalMileage > 0 {
		s.AvgCostPerKm = s.TotalPrice / s.TotalMileage
	}
	if s.TotalLiters > 0 {
		s.AvgKmPerLiter = s.TotalMileage / s.TotalLiters
	}
	return s
}

// ChartPoint is one row of the analytics chart series.
type ChartPoint struct {
	Month   string  `json:"date"`
	Mileage float64 `json:"mileage"`
	Liters  float64 `json:"liters"`
	Price   float64 `json:"price"`
	Metrics `json:"-"`
}

// ChartSeries maps each log to a chart row keyed by its month bucket,
// preserving input order.
func ChartSeries(logs []core.RefuelLog) []ChartPoint {
	out := make([]ChartPoint, 0, len(logs))
	for _, l := range logs {
		ym, _ := l.YearMonth()
		out = append(out, ChartPoint{
			Month:   ym,
			Mileage: l.Mileage,
			Liters:  l.Liters,
			Price:   l.Price,
			Metrics: Derive(l),
		})
	}
	return out
}
