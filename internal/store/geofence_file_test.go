package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/sessions/internal/domain"
)

const fencesYAML = `
geofences:
  - id: base-norte
    name: Parque Norte
    kind: base
    ring:
      - [-3.71, 40.40]
      - [-3.70, 40.40]
      - [-3.70, 40.41]
      - [-3.71, 40.41]
  - id: taller
    name: Taller central
    kind: workshop
    circle:
      center: [-3.705, 40.405]
      radius_m: 50
`

func TestGeofenceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geofences.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fencesYAML), 0o644))

	fences, err := NewGeofenceFile(path).Geofences(context.Background())
	require.NoError(t, err)
	require.Len(t, fences, 2)

	assert.Equal(t, "base-norte", fences[0].ID)
	assert.Equal(t, domain.GeofenceBase, fences[0].Kind)
	assert.Equal(t, domain.LonLat{-3.71, 40.40}, fences[0].Ring[0])
	assert.Nil(t, fences[0].Circle)

	assert.Equal(t, domain.GeofenceWorkshop, fences[1].Kind)
	require.NotNil(t, fences[1].Circle)
	assert.Equal(t, 50.0, fences[1].Circle.RadiusM)
	assert.Equal(t, -3.705, fences[1].Circle.Center.Lon())
}

func TestGeofenceFileMissing(t *testing.T) {
	_, err := NewGeofenceFile(filepath.Join(t.TempDir(), "nope.yaml")).Geofences(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseGeofencesValidation(t *testing.T) {
	cases := map[string]string{
		"missing id":   "geofences:\n  - kind: base\n    ring: [[0,1],[1,1],[1,0]]\n",
		"bad kind":     "geofences:\n  - id: a\n    kind: depot\n    ring: [[0,1],[1,1],[1,0]]\n",
		"short ring":   "geofences:\n  - id: a\n    kind: base\n    ring: [[0,1],[1,1]]\n",
		"both shapes":  "geofences:\n  - id: a\n    kind: base\n    ring: [[0,1],[1,1],[1,0]]\n    circle: {center: [0,0], radius_m: 5}\n",
		"zero radius":  "geofences:\n  - id: a\n    kind: base\n    circle: {center: [0,0], radius_m: 0}\n",
		"duplicate id": "geofences:\n  - id: a\n    kind: base\n    circle: {center: [0,0], radius_m: 5}\n  - id: a\n    kind: base\n    circle: {center: [0,0], radius_m: 5}\n",
		"not yaml":     "geofences: [",
	}
	for name, doc := range cases {
		_, err := ParseGeofences([]byte(doc))
		assert.Error(t, err, name)
	}
}
