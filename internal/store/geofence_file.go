package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fleet-monitor/sessions/internal/domain"
)

type geofenceDoc struct {
	Geofences []geofenceEntry `yaml:"geofences"`
}

type geofenceEntry struct {
	ID     string       `yaml:"id"`
	Name   string       `yaml:"name"`
	Kind   string       `yaml:"kind"` // workshop | base
	Ring   [][2]float64 `yaml:"ring"` // [lon, lat] pairs
	Circle *struct {
		Center  [2]float64 `yaml:"center"` // [lon, lat]
		RadiusM float64    `yaml:"radius_m"`
	} `yaml:"circle"`
}

// GeofenceFile serves geofences from a YAML document.
type GeofenceFile struct {
	path string
}

func NewGeofenceFile(path string) *GeofenceFile {
	return &GeofenceFile{path: path}
}

func (f *GeofenceFile) Geofences(_ context.Context) ([]domain.Geofence, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	return ParseGeofences(b)
}

func ParseGeofences(b []byte) ([]domain.Geofence, error) {
	var doc geofenceDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}

	out := make([]domain.Geofence, 0, len(doc.Geofences))
	seen := make(map[string]bool, len(doc.Geofences))
	for _, e := range doc.Geofences {
		g := domain.Geofence{ID: e.ID, Name: e.Name, Kind: domain.GeofenceKind(e.Kind)}
		for _, p := range e.Ring {
			g.Ring = append(g.Ring, domain.LonLat(p))
		}
		if e.Circle != nil {
			g.Circle = &domain.Circle{Center: domain.LonLat(e.Circle.Center), RadiusM: e.Circle.RadiusM}
		}
		if err := validateGeofence(&g); err != nil {
			return nil, err
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("geofence %s defined twice", g.ID)
		}
		seen[g.ID] = true
		out = append(out, g)
	}
	return out, nil
}

func validateGeofence(g *domain.Geofence) error {
	if g.ID == "" {
		return fmt.Errorf("geofence without id")
	}
	switch g.Kind {
	case domain.GeofenceWorkshop, domain.GeofenceBase:
	default:
		return fmt.Errorf("geofence %s: unknown kind %q", g.ID, g.Kind)
	}
	switch {
	case len(g.Ring) > 0 && g.Circle != nil:
		return fmt.Errorf("geofence %s: both ring and circle given", g.ID)
	case g.Circle != nil:
		if g.Circle.RadiusM <= 0 {
			return fmt.Errorf("geofence %s: radius must be positive", g.ID)
		}
	case len(g.Ring) < 3:
		return fmt.Errorf("geofence %s: ring needs at least 3 vertices", g.ID)
	}
	return nil
}
