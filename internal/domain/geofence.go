package domain

type GeofenceKind string

const (
	GeofenceWorkshop GeofenceKind = "workshop"
	GeofenceBase     GeofenceKind = "base"
)

// LonLat is a vertex in [lon, lat] order, as delivered by the geofence provider.
type LonLat [2]float64

func (p LonLat) Lon() float64 { return p[0] }
func (p LonLat) Lat() float64 { return p[1] }

type Circle struct {
	Center  LonLat
	RadiusM float64
}

// Geofence is read-only input. Either Ring or Circle is set.
type Geofence struct {
	ID     string
	Name   string
	Kind   GeofenceKind
	Ring   []LonLat
	Circle *Circle
}
