package pipeline

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"fleet-monitor/sessions/internal/parser"
)

// FileError is a logger file that could not be read. Only that file is
// dropped from the run.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Inventory is the result of scanning an input directory.
type Inventory struct {
	ByVehicle map[string][]parser.FileName
	// Skipped are .txt files whose names do not follow the export naming.
	Skipped []string
}

// Vehicles returns the vehicle IDs in sorted order.
func (inv Inventory) Vehicles() []string {
	out := make([]string, 0, len(inv.ByVehicle))
	for v := range inv.ByVehicle {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (inv Inventory) Files() int {
	n := 0
	for _, files := range inv.ByVehicle {
		n += len(files)
	}
	return n
}

// Discover walks dir for logger exports. Files other than .txt are ignored
// silently; misnamed .txt files are listed in Skipped.
func Discover(dir string, naming *parser.Naming) (Inventory, error) {
	inv := Inventory{ByVehicle: make(map[string][]parser.FileName)}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".txt") {
			return nil
		}
		fn, err := naming.Parse(path)
		if err != nil {
			inv.Skipped = append(inv.Skipped, path)
			return nil
		}
		inv.ByVehicle[fn.VehicleID] = append(inv.ByVehicle[fn.VehicleID], fn)
		return nil
	})
	if err != nil {
		return Inventory{}, fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, files := range inv.ByVehicle {
		sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	}
	sort.Strings(inv.Skipped)
	return inv, nil
}
