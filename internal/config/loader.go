// Package config loads the country risk tables from YAML and watches
// the file for changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/features"
)

// CountryFile is the YAML document shape. Codes are ISO 3166-1
// alpha-2 and are uppercased on load.
type CountryFile struct {
	Risk          map[string]float64 `yaml:"risk"`
	Sanctions     []string           `yaml:"sanctions"`
	Jurisdictions []string           `yaml:"high_risk_jurisdictions"`
	TaxHavens     []string           `yaml:"tax_havens"`
}

// Loader reads a country tables YAML file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *features.Tables
	onChange []func(*features.Tables)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	tables, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = tables
	return l, nil
}

// Tables returns the current (latest) tables.
func (l *Loader) Tables() *features.Tables {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the tables reload.
func (l *Loader) OnChange(fn func(*features.Tables)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the tables on
// file changes. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("country watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("country watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					tables, err := l.load()
					if err != nil {
						// Keep serving the old tables.
						continue
					}
					l.mu.Lock()
					l.current = tables
					callbacks := make([]func(*features.Tables), len(l.onChange))
					copy(callbacks, l.onChange)
					l.mu.Unlock()
					for _, fn := range callbacks {
						fn(tables)
					}
				}
			case <-w.Errors:
				// Ignore watcher errors.
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the tables file.
func (l *Loader) Reload() (*features.Tables, error) {
	tables, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = tables
	callbacks := make([]func(*features.Tables), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(tables)
	}
	return tables, nil
}

func (l *Loader) load() (*features.Tables, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read countries %s: %w", l.path, err)
	}
	var doc CountryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse countries %s: %w", l.path, err)
	}
	return buildTables(&doc)
}

// buildTables validates the document and converts it into the
// immutable form the feature computer consumes. The file replaces the
// built-in tables wholesale; list sections may be empty, the risk map
// may not.
func buildTables(doc *CountryFile) (*features.Tables, error) {
	if len(doc.Risk) == 0 {
		return nil, fmt.Errorf("risk table is empty")
	}

	risk := make(map[string]float64, len(doc.Risk))
	for code, score := range doc.Risk {
		if score < 0 || score > 1 {
			return nil, fmt.Errorf("risk for %s out of range: %f", code, score)
		}
		risk[strings.ToUpper(code)] = score
	}

	return &features.Tables{
		Risk:          risk,
		Sanctions:     toSet(doc.Sanctions),
		Jurisdictions: toSet(doc.Jurisdictions),
		TaxHavens:     toSet(doc.TaxHavens),
	}, nil
}

func toSet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[strings.ToUpper(c)] = true
	}
	return set
}
