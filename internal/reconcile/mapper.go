// Package reconcile translates field names between the reference table's
// canonical names, storage column names and presentation labels.
package reconcile

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxIdentifier caps generated column names.
const MaxIdentifier = 63

// Storage names of the metadata columns every row carries.
const (
	ColFileName     = "file_name"
	ColPath         = "absolute_file_path"
	ColStageName    = "deal_stage_subdirectory_name"
	ColStagePath    = "deal_stage_subdirectory_path"
	ColDealName     = "deal_name"
	ColModified     = "last_modified_date"
	ColSize         = "file_size_in_bytes"
	ColDateUploaded = "date_uploaded"
)

// Mapping is one explicit canonical/storage/label triple.
type Mapping struct {
	Canonical string
	Storage   string
	Label     string
}

// builtin covers the metadata columns and the known quirks of the
// reference sheet's headers.
var builtin = []Mapping{
	{"File Name", ColFileName, "File Name"},
	{"Absolute File Path", ColPath, "File Path"},
	{"Deal Stage Subdirectory Name", ColStageName, "Deal Stage"},
	{"Deal Stage Subdirectory Path", ColStagePath, "Deal Stage Path"},
	{"Deal Name", ColDealName, "Deal"},
	{"Last Modified Date", ColModified, "Last Modified"},
	{"File Size in Bytes", ColSize, "File Size (Bytes)"},
	{"Date Uploaded", ColDateUploaded, "Date Uploaded"},

	{"Property Adress", "property_address", "Property Address"},
	{"Current Occupany", "current_occupancy", "Current Occupancy"},
	{"Current Occupany %", "current_occupancy_pct", "Current Occupancy %"},
	{"Going-In Cap Rate", "going_in_cap_rate", "Going-In Cap Rate"},
	{"Cap Rate (%)", "cap_rate_pct", "Cap Rate (%)"},
	{"IRR (%)", "irr_pct", "IRR (%)"},
	{"# of Units", "number_of_units", "Number of Units"},
	{"$/Unit", "price_per_unit", "Price per Unit"},
	{"$/SF", "price_per_sf", "Price per SF"},
	{"Rent Comp $/SF", "rent_comp_price_per_sf", "Rent Comp $/SF"},
	{"Rent Comps Avg $/Unit", "rent_comps_avg_price_per_unit", "Rent Comps Avg $/Unit"},
	{"Property Latitude", "latitude", "Latitude"},
	{"Property Longitude", "longitude", "Longitude"},
}

var storageRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsStorageName reports whether s is a syntactically valid column name.
func IsStorageName(s string) bool {
	return len(s) <= MaxIdentifier && storageRe.MatchString(s)
}

// Mapper holds the explicit table plus canonical names learned from the
// reference table. It is safe for concurrent use.
type Mapper struct {
	toStorage   map[string]string
	toCanonical map[string]string
	labels      map[string]string

	mu      sync.RWMutex
	learned map[string]string // storage -> canonical
}

// New builds a Mapper from the built-in table plus overrides. Overrides win
// over built-ins with the same canonical name. The resulting table must be
// a bijection.
func New(overrides ...Mapping) (*Mapper, error) {
	merged := make([]Mapping, 0, len(builtin)+len(overrides))
	seen := make(map[string]int)
	for _, m := range append(append([]Mapping{}, builtin...), overrides...) {
		m.Canonical = strings.TrimSpace(m.Canonical)
		m.Storage = strings.TrimSpace(m.Storage)
		if i, ok := seen[m.Canonical]; ok {
			merged[i] = m
			continue
		}
		seen[m.Canonical] = len(merged)
		merged = append(merged, m)
	}

	mp := &Mapper{
		toStorage:   make(map[string]string, len(merged)),
		toCanonical: make(map[string]string, len(merged)),
		labels:      make(map[string]string, len(merged)),
		learned:     make(map[string]string),
	}
	for _, m := range merged {
		if m.Canonical == "" {
			return nil, eris.New("reconcile: mapping with empty canonical name")
		}
		if !IsStorageName(m.Storage) {
			return nil, eris.Errorf("reconcile: invalid storage name %q for %q", m.Storage, m.Canonical)
		}
		// A canonical spelled like a different storage name would make
		// ToStorage non-idempotent.
		if IsStorageName(m.Canonical) && m.Canonical != m.Storage {
			return nil, eris.Errorf("reconcile: canonical %q looks like a storage name", m.Canonical)
		}
		if prev, ok := mp.toCanonical[m.Storage]; ok {
			return nil, eris.Errorf("reconcile: storage name %q used by %q and %q", m.Storage, prev, m.Canonical)
		}
		mp.toStorage[m.Canonical] = m.Storage
		mp.toCanonical[m.Storage] = m.Canonical
		if m.Label != "" {
			mp.labels[m.Storage] = m.Label
		}
	}
	return mp, nil
}

// MustNew is New for the built-in table only.
func MustNew() *Mapper {
	m, err := New()
	if err != nil {
		panic(err)
	}
	return m
}

// ToStorage maps a canonical name to its column name. Applying it to its
// own output returns the output unchanged.
func (m *Mapper) ToStorage(canonical string) string {
	name := strings.TrimSpace(canonical)
	if s, ok := m.toStorage[name]; ok {
		return s
	}
	if _, ok := m.toCanonical[name]; ok {
		return name
	}
	return Sanitize(name)
}

// ToCanonical maps a column name back to its canonical name.
func (m *Mapper) ToCanonical(storage string) string {
	if c, ok := m.toCanonical[storage]; ok {
		return c
	}
	m.mu.RLock()
	c, ok := m.learned[storage]
	m.mu.RUnlock()
	if ok {
		return c
	}
	return strings.ReplaceAll(storage, "_", " ")
}

// Label returns the presentation label for a column name.
func (m *Mapper) Label(storage string) string {
	if l, ok := m.labels[storage]; ok {
		return l
	}
	m.mu.RLock()
	c, ok := m.learned[storage]
	m.mu.RUnlock()
	if ok {
		return c
	}
	return cases.Title(language.English).String(strings.ReplaceAll(storage, "_", " "))
}

// Register records a canonical name seen in the reference table so
// ToCanonical and Label can return it. The first canonical name to claim a
// column wins; collided reports a later, different claimant.
func (m *Mapper) Register(canonical string) (storage string, collided bool) {
	canonical = strings.TrimSpace(canonical)
	storage = m.ToStorage(canonical)
	if _, ok := m.toCanonical[storage]; ok {
		return storage, m.toCanonical[storage] != canonical
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.learned[storage]; ok {
		return storage, prev != canonical
	}
	m.learned[storage] = canonical
	return storage, false
}

// claimant returns the canonical name that owns a storage column.
func (m *Mapper) claimant(storage string) (string, bool) {
	if c, ok := m.toCanonical[storage]; ok {
		return c, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.learned[storage]
	return c, ok
}

// Mappings returns the explicit table ordered by storage name.
func (m *Mapper) Mappings() []Mapping {
	out := make([]Mapping, 0, len(m.toStorage))
	for c, s := range m.toStorage {
		out = append(out, Mapping{Canonical: c, Storage: s, Label: m.Label(s)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Storage < out[j].Storage })
	return out
}

var (
	nonWord    = regexp.MustCompile(`[^a-z0-9_]+`)
	underscore = regexp.MustCompile(`_+`)
)

// Sanitize is the generic name transform. Accents are folded, the name is
// lower-cased, whitespace runs become one underscore and any other
// punctuation is dropped. Names starting with a digit get a col_ prefix and
// the result is capped at MaxIdentifier.
func Sanitize(name string) string {
	// Chained transformers keep state, so build one per call.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(fold, name)
	if err != nil {
		s = name
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), "_")
	s = nonWord.ReplaceAllString(s, "")
	s = underscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "col"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "col_" + s
	}
	if len(s) > MaxIdentifier {
		s = strings.TrimRight(s[:MaxIdentifier], "_")
	}
	return s
}
