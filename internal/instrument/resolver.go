// Package instrument resolves exchange ticker symbols to the broker's
// numeric security identifiers, loaded from a scrip-master CSV.
package instrument

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when a ticker has no known security ID.
var ErrNotFound = errors.New("instrument: ticker not found")

// Resolver maps a ticker symbol to a broker security identifier.
type Resolver interface {
	ResolveSecurityID(ticker string) (string, error)
}

// MapResolver is a Resolver backed by an in-memory map. Lookup is
// case-insensitive on the ticker.
type MapResolver struct {
	bySymbol map[string]string
}

// NewMapResolver builds a resolver from a symbol→securityID map.
func NewMapResolver(symbols map[string]string) *MapResolver {
	m := make(map[string]string, len(symbols))
	for sym, id := range symbols {
		m[strings.ToUpper(sym)] = id
	}
	return &MapResolver{bySymbol: m}
}

func (r *MapResolver) ResolveSecurityID(ticker string) (string, error) {
	id, ok := r.bySymbol[strings.ToUpper(ticker)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ticker)
	}
	return id, nil
}

// LoadCSV reads a scrip-master CSV with a header row and returns a resolver
// over its symbol and security-ID columns (matched by header name,
// case-insensitive).
func LoadCSV(r io.Reader, symbolCol, idCol string) (*MapResolver, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("instrument: read csv header: %w", err)
	}

	symIdx, idIdx := -1, -1
	for i, col := range header {
		switch strings.ToUpper(strings.TrimSpace(col)) {
		case strings.ToUpper(symbolCol):
			symIdx = i
		case strings.ToUpper(idCol):
			idIdx = i
		}
	}
	if symIdx < 0 || idIdx < 0 {
		return nil, fmt.Errorf("instrument: columns %q and %q not found in header", symbolCol, idCol)
	}

	symbols := make(map[string]string)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instrument: read csv: %w", err)
		}
		if symIdx >= len(rec) || idIdx >= len(rec) {
			continue
		}
		sym := strings.TrimSpace(rec[symIdx])
		id := strings.TrimSpace(rec[idIdx])
		if sym == "" || id == "" {
			continue
		}
		symbols[sym] = id
	}
	return NewMapResolver(symbols), nil
}
