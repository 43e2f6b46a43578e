package notifier

import (
	"fmt"
	"strings"
	"sync"
)

// Directory resolves the primary receiver and national CSIRTs by ISO
// country code.
type Directory struct {
	mu       sync.RWMutex
	primary  Notifier
	csirts   map[string]Notifier
	fallback Notifier
}

func NewDirectory(primary Notifier) *Directory {
	return &Directory{primary: primary, csirts: make(map[string]Notifier)}
}

// WithFallback sets the receiver used for countries with no registration.
func (d *Directory) WithFallback(n Notifier) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = n
	return d
}

func (d *Directory) Register(countryCode string, n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.csirts[normalizeCountry(countryCode)] = n
}

func (d *Directory) Primary() Notifier {
	return d.primary
}

func (d *Directory) CSIRT(countryCode string) (Notifier, error) {
	cc := normalizeCountry(countryCode)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.csirts[cc]; ok {
		return n, nil
	}
	if d.fallback != nil {
		return d.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCountry, cc)
}

// Countries lists registered country codes.
func (d *Directory) Countries() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.csirts))
	for cc := range d.csirts {
		out = append(out, cc)
	}
	return out
}

func normalizeCountry(cc string) string {
	return strings.ToUpper(strings.TrimSpace(cc))
}
