// Package geo resolves network addresses to ISO country codes. Lookups are
// best effort: any failure yields an empty code.
package geo

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Locator maps an address to an upper-case ISO 3166-1 alpha-2 country code,
// or "" when the country is unknown.
type Locator interface {
	LookupCountry(addr string) string
}

// NoopLocator is used when no country database is configured.
type NoopLocator struct{}

// LookupCountry implements Locator.
func (NoopLocator) LookupCountry(string) string { return "" }

// MaxMindLocator reads a GeoLite2/GeoIP2 Country database.
type MaxMindLocator struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

// OpenMaxMind loads the mmdb file at path into memory.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read country database: %w", err)
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse country database: %w", err)
	}
	return &MaxMindLocator{reader: reader}, nil
}

// LookupCountry implements Locator.
func (l *MaxMindLocator) LookupCountry(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return ""
	}
	record, err := l.reader.Country(ip)
	if err != nil {
		return ""
	}
	return strings.ToUpper(record.Country.IsoCode)
}

// Reload swaps in a freshly loaded database from path. The old reader is
// closed once no lookup holds it.
func (l *MaxMindLocator) Reload(path string) error {
	fresh, err := OpenMaxMind(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.reader
	l.reader = fresh.reader
	l.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

// Close releases the database.
func (l *MaxMindLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader == nil {
		return nil
	}
	err := l.reader.Close()
	l.reader = nil
	return err
}
