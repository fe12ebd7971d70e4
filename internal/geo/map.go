// Package geo prepares refuel-log collections for the map view. It turns
// logs into markers, computes the bounding box and decides between fitting
// bounds and the fallback center.
package geo

import (
	"fmt"

	"tanklog/internal/analytics"
	"tanklog/internal/core"
)

// Fallback view shown when no log carries coordinates: Prague, zoomed out
// far enough to cover the whole country.
const (
	FallbackLat  = 50.0755
	FallbackLon  = 14.4378
	FallbackZoom = 6

	// FitPadding is the pixel padding passed to the client fitBounds call.
	FitPadding = 50
)

// Popup is the marker detail box. Currency is intentionally absent: the
// popup stays compact and the amount is understood from context.
type Popup struct {
	Date    string  `json:"date"`
	Mileage float64 `json:"mileage"`
	Liters  float64 `json:"liters"`
	Price   float64 `json:"price"`
}

func (p Popup) String() string {
	return fmt.Sprintf("%s | %.0f km | %.2f l | %.2f", p.Date, p.Mileage, p.Liters, p.Price)
}

// Marker is one point on the map.
type Marker struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Popup Popup   `json:"popup"`
}

// Bounds is the south-west/north-east envelope of a marker set.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// View is everything the map template needs to render.
type View struct {
	Markers    []Marker `json:"markers"`
	HasBounds  bool     `json:"hasBounds"`
	Bounds     Bounds   `json:"bounds"`
	CenterLat  float64  `json:"centerLat"`
	CenterLon  float64  `json:"centerLon"`
	Zoom       int      `json:"zoom"`
	FitPadding int      `json:"fitPadding"`
}

// Markers converts logs to map markers, skipping any log without a full
// coordinate pair. Order follows the input.
func Markers(logs []core.RefuelLog) []Marker {
	out := make([]Marker, 0, len(logs))
	for _, l := range logs {
		if !l.HasLocation() {
			continue
		}
		out = append(out, Marker{
			Lat: *l.Lat,
			Lon: *l.Lon,
			Popup: Popup{
				Date:    l.Date,
				Mileage: l.Mileage,
				Liters:  l.Liters,
				Price:   l.Price,
			},
		})
	}
	return out
}

// BoundsOf computes the envelope of a non-empty marker set.
func BoundsOf(markers []Marker) (Bounds, bool) {
	if len(markers) == 0 {
		return Bounds{}, false
	}
	b := Bounds{
		MinLat: markers[0].Lat, MaxLat: markers[0].Lat,
		MinLon: markers[0].Lon, MaxLon: markers[0].Lon,
	}
	for _, m := range markers[1:] {
		if m.Lat < b.MinLat {
			b.MinLat = m.Lat
		}
		if m.Lat > b.MaxLat {
			b.MaxLat = m.Lat
		}
		if m.Lon < b.MinLon {
			b.MinLon = m.Lon
		}
		if m.Lon > b.MaxLon {
			b.MaxLon = m.Lon
		}
	}
	return b, true
}

// BuildView assembles the full map view for a set of logs. With at least
// one located log the client fits the bounds; otherwise it centers on the
// fallback point. A single marker still goes through fitBounds, which the
// client clamps to a sane zoom.
func BuildView(logs []core.RefuelLog) View {
	markers := Markers(logs)
	v := View{
		Markers:    markers,
		CenterLat:  FallbackLat,
		CenterLon:  FallbackLon,
		Zoom:       FallbackZoom,
		FitPadding: FitPadding,
	}
	if b, ok := BoundsOf(markers); ok {
		v.HasBounds = true
		v.Bounds = b
	}
	return v
}

// BuildFilteredView filters first, then builds the view. The map shares
// its criteria with the history table so both show the same subset.
func BuildFilteredView(logs []core.RefuelLog, c analytics.Criteria) View {
	return BuildView(analytics.Filter(logs, c))
}
