package analytics

import (
	"math"
	"reflect"
	"testing"

	"tanklog/internal/core"
)

func sample() []core.RefuelLog {
	return []core.RefuelLog{
		{ID: 1, CarID: 1, Date: "2024-01-10", Mileage: 100, Liters: 5, Price: 150},
		{ID: 2, CarID: 1, Date: "2024-02-10", Mileage: 200, Liters: 8, Price: 240},
	}
}

func TestFilterIdempotent(t *testing.T) {
	logs := []core.RefuelLog{
		{ID: 1, CarID: 1, Date: "2024-01-10"},
		{ID: 2, CarID: 2, Date: "2024-02-05"},
		{ID: 3, CarID: 1, Date: "2024-03-20"},
	}
	crits := []Criteria{
		{},
		{CarID: 1},
		{Month: "2024-02"},
		{Start: "2024-02-01", End: "2024-03-01"},
		{Start: "2024-02-01", End: "2024-03-01", Granularity: ByMonth},
	}
	for i, c := range crits {
		once := Filter(logs, c)
		twice := Filter(once, c)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("criteria %d: filter not idempotent: %v vs %v", i, once, twice)
		}
	}
}

func TestFilterByCar(t *testing.T) {
	logs := sample()
	if got := Filter(logs, Criteria{CarID: 1}); len(got) != 2 {
		t.Fatalf("carId=1: got %d logs, want 2", len(got))
	}
	if got := Filter(logs, Criteria{CarID: 2}); len(got) != 0 {
		t.Fatalf("carId=2: got %d logs, want 0", len(got))
	}
}

func TestFilterGranularityModes(t *testing.T) {
	logs := []core.RefuelLog{{ID: 1, CarID: 1, Date: "2024-03-20", Liters: 1}}

	// Range ends mid-month: the date-level compare excludes the log,
	// the month-level compare keeps it.
	byDate := Filter(logs, Criteria{Start: "2024-03-01", End: "2024-03-10", Granularity: ByDate})
	if len(byDate) != 0 {
		t.Fatalf("ByDate: got %d logs, want 0", len(byDate))
	}
	byMonth := Filter(logs, Criteria{Start: "2024-03-01", End: "2024-03-10", Granularity: ByMonth})
	if len(byMonth) != 1 {
		t.Fatalf("ByMonth: got %d logs, want 1", len(byMonth))
	}
}

func TestFilterMonthSelector(t *testing.T) {
	logs := sample()
	got := Filter(logs, Criteria{Month: "2024-02"})
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("month selector: got %v", got)
	}
	if got := Filter(logs, Criteria{Month: AllMonths}); len(got) != 2 {
		t.Fatalf("all months: got %d logs, want 2", len(got))
	}
}

func TestFilterMalformedDateWithMonthConstraint(t *testing.T) {
	logs := []core.RefuelLog{
		{ID: 1, CarID: 1, Date: "garbage"},
		{ID: 2, CarID: 1, Date: "2024-02-10"},
	}
	got := Filter(logs, Criteria{Month: "2024-02"})
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("malformed date should not match a month constraint: %v", got)
	}
	// Without month constraints the malformed record passes through.
	if got := Filter(logs, Criteria{}); len(got) != 2 {
		t.Fatalf("unconstrained filter dropped records: %v", got)
	}
}

func TestMonthBuckets(t *testing.T) {
	logs := []core.RefuelLog{
		{Date: "2024-01-15"},
		{Date: "2024-01-20"},
		{Date: "2024-02-01"},
	}
	want := []string{"2024-01", "2024-02"}
	if got := MonthBuckets(logs); !reflect.DeepEqual(got, want) {
		t.Fatalf("buckets = %v, want %v", got, want)
	}
}

func TestMonthBucketsSkipsMalformed(t *testing.T) {
	logs := []core.RefuelLog{
		{ID: 7, Date: "not-a-date"},
		{Date: "2024-03-15"},
	}
	want := []string{"2024-03"}
	if got := MonthBuckets(logs); !reflect.DeepEqual(got, want) {
		t.Fatalf("buckets = %v, want %v", got, want)
	}
}

func TestSortToggle(t *testing.T) {
	var s SortState
	s.Toggle(ColumnMileage)
	if s.Column != ColumnMileage || s.Direction != Ascending {
		t.Fatalf("first toggle: %+v", s)
	}
	s.Toggle(ColumnMileage)
	if s.Direction != Descending {
		t.Fatalf("same-column toggle should flip: %+v", s)
	}
	s.Toggle(ColumnPrice)
	if s.Column != ColumnPrice || s.Direction != Ascending {
		t.Fatalf("new column should reset ascending: %+v", s)
	}
}

func TestSortLogsDoubleReverse(t *testing.T) {
	logs := []core.RefuelLog{
		{ID: 1, Mileage: 300},
		{ID: 2, Mileage: 100},
		{ID: 3, Mileage: 200},
	}
	asc := SortLogs(logs, ColumnMileage, Ascending)
	flipped := SortLogs(SortLogs(asc, ColumnMileage, Descending), ColumnMileage, Descending)
	// Reversing direction twice restores the sorted order.
	if !reflect.DeepEqual(asc, SortLogs(flipped, ColumnMileage, Ascending)) {
		t.Fatalf("double reverse did not restore order: %v", flipped)
	}
	if asc[0].ID != 2 || asc[1].ID != 3 || asc[2].ID != 1 {
		t.Fatalf("ascending order wrong: %v", asc)
	}
}

func TestSortLogsStableOnTies(t *testing.T) {
	logs := []core.RefuelLog{
		{ID: 1, Price: 100},
		{ID: 2, Price: 100},
		{ID: 3, Price: 50},
	}
	got := SortLogs(logs, ColumnPrice, Ascending)
	if got[0].ID != 3 || got[1].ID != 1 || got[2].ID != 2 {
		t.Fatalf("ties must keep prior relative order: %v", got)
	}
}

func TestSortLogsDoesNotMutateInput(t *testing.T) {
	logs := []core.RefuelLog{{ID: 1, Mileage: 2}, {ID: 2, Mileage: 1}}
	_ = SortLogs(logs, ColumnMileage, Ascending)
	if logs[0].ID != 1 {
		t.Fatal("input slice was reordered")
	}
}

func TestDeriveZeroDenominators(t *testing.T) {
	m := Derive(core.RefuelLog{Mileage: 100, Liters: 0, Price: 50})
	if m.KmPerLiterValid {
		t.Fatal("liters=0 must not yield a distance-per-volume metric")
	}
	if !m.CostPerKmValid || m.CostPerKm != 0.5 {
		t.Fatalf("cost per km = %v, valid=%v", m.CostPerKm, m.CostPerKmValid)
	}
	if math.IsNaN(m.KmPerLiter) || math.IsInf(m.KmPerLiter, 0) {
		t.Fatalf("invalid metric leaked a non-finite value: %v", m.KmPerLiter)
	}

	m = Derive(core.RefuelLog{Mileage: 0, Liters: 5, Price: 50})
	if m.CostPerKmValid {
		t.Fatal("mileage=0 must not yield a cost-per-distance metric")
	}
	if !m.KmPerLiterValid || m.KmPerLiter != 0 {
		t.Fatalf("km per liter = %v", m.KmPerLiter)
	}
}

func TestSummarizeScenario(t *testing.T) {
	logs := sample()
	s := Summarize(Filter(logs, Criteria{}))
	if s.TotalMileage != 300 || s.TotalLiters != 13 || s.TotalPrice != 390 {
		t.Fatalf("totals = %+v", s)
	}
	if s.AvgCostPerKm != 390.0/300.0 {
		t.Fatalf("avg cost per km = %v, want %v", s.AvgCostPerKm, 390.0/300.0)
	}
	if s.AvgKmPerLiter != 300.0/13.0 {
		t.Fatalf("avg km per liter = %v, want %v", s.AvgKmPerLiter, 300.0/13.0)
	}
}

func TestSummarizeAveragesFromTotalsNotRatioMean(t *testing.T) {
	// Entries with very different magnitudes: the mean of per-entry
	// ratios would be (150/100 + 240/200)/2 = 1.35, the totals-based
	// average is 390/300 = 1.30.
	s := Summarize(sample())
	if s.AvgCostPerKm != 1.30 {
		t.Fatalf("avg cost per km = %v, want 1.30", s.AvgCostPerKm)
	}
}

func TestSummarizeEmptySet(t *testing.T) {
	s := Summarize(Filter(sample(), Criteria{CarID: 2}))
	if s.TotalMileage != 0 || s.TotalLiters != 0 || s.TotalPrice != 0 {
		t.Fatalf("empty set totals = %+v", s)
	}
	if s.AvgCostPerKm != 0 || s.AvgKmPerLiter != 0 {
		t.Fatalf("empty set averages must be zero: %+v", s)
	}
}

func TestSummarizeMatchesPerEntrySums(t *testing.T) {
	logs := Filter(sample(), Criteria{CarID: 1})
	var mileage, liters, price float64
	for _, l := range logs {
		mileage += l.Mileage
		liters += l.Liters
		price += l.Price
	}
	s := Summarize(logs)
	if s.TotalMileage != mileage || s.TotalLiters != liters || s.TotalPrice != price {
		t.Fatalf("summary totals diverge from per-entry sums: %+v", s)
	}
}

func TestChartSeries(t *testing.T) {
	pts := ChartSeries(sample())
	if len(pts) != 2 {
		t.Fatalf("got %d points, want 2", len(pts))
	}
	if pts[0].Month != "2024-01" || pts[1].Month != "2024-02" {
		t.Fatalf("months = %q, %q", pts[0].Month, pts[1].Month)
	}
	if !pts[0].CostPerKmValid || pts[0].CostPerKm != 1.5 {
		t.Fatalf("point metrics = %+v", pts[0].Metrics)
	}
}
