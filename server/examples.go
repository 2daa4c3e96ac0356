package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/krau/konacaption/service"
)

var exampleExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".avif": true,
}

type Example struct {
	Name    string `json:"name"`
	Caption string `json:"caption"`
	path    string
}

// ScanExamples lists image files directly inside dir, sorted by name. A
// missing directory yields no examples.
func ScanExamples(dir string) ([]Example, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read example dir: %w", err)
	}
	var out []Example
	for _, e := range entries {
		if e.IsDir() || !exampleExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, Example{Name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Gallery is the fixed set of examples with captions computed at startup.
// It is read-only once built.
type Gallery struct {
	examples []Example
	byName   map[string]int
}

// BuildGallery scans dir and captions every example. Any failure aborts.
func BuildGallery(ctx context.Context, dir string, captioner Captioner, maxPixels int64) (*Gallery, error) {
	examples, err := ScanExamples(dir)
	if err != nil {
		return nil, err
	}
	g := &Gallery{examples: examples, byName: make(map[string]int, len(examples))}
	for i := range g.examples {
		ex := &g.examples[i]
		caption, err := captionFile(ctx, captioner, ex.path, maxPixels)
		if err != nil {
			return nil, fmt.Errorf("example %s: %w", ex.Name, err)
		}
		ex.Caption = caption
		g.byName[ex.Name] = i
		slog.Info("Cached example caption", slog.String("example", ex.Name), slog.String("caption", caption))
	}
	return g, nil
}

func captionFile(ctx context.Context, captioner Captioner, path string, maxPixels int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	img, _, err := service.DecodeImage(f, maxPixels)
	if err != nil {
		return "", err
	}
	return captioner.Caption(ctx, service.Decoded{Image: img})
}

func (g *Gallery) List() []Example {
	if g == nil {
		return []Example{}
	}
	out := make([]Example, len(g.examples))
	copy(out, g.examples)
	return out
}

func (g *Gallery) Get(name string) (Example, bool) {
	if g == nil {
		return Example{}, false
	}
	i, ok := g.byName[name]
	if !ok {
		return Example{}, false
	}
	return g.examples[i], true
}
