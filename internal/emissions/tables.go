// Package emissions holds the reference tables and the aggregation that turns
// a provenance chain into a footprint value.
package emissions

import (
	_ "embed"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pcf-provenance/internal/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Tables is a read-only lookup of transport and hub operation categories.
type Tables struct {
	tocs     []model.TocRow
	hocs     []model.HocRow
	tocIndex map[string]int
	hocIndex map[string]int
}

type tablesFile struct {
	Tocs []model.TocRow `yaml:"tocs"`
	Hocs []model.HocRow `yaml:"hocs"`
}

// NewTables indexes the given rows. When an id repeats, the first row wins.
func NewTables(tocs []model.TocRow, hocs []model.HocRow) *Tables {
	t := &Tables{
		tocs:     append([]model.TocRow{}, tocs...),
		hocs:     append([]model.HocRow{}, hocs...),
		tocIndex: make(map[string]int, len(tocs)),
		hocIndex: make(map[string]int, len(hocs)),
	}
	for i, row := range t.tocs {
		if _, ok := t.tocIndex[row.TocID]; !ok {
			t.tocIndex[row.TocID] = i
		}
	}
	for i, row := range t.hocs {
		if _, ok := t.hocIndex[row.HocID]; !ok {
			t.hocIndex[row.HocID] = i
		}
	}
	return t
}

// ParseTables decodes a YAML fixture with top-level tocs and hocs lists.
func ParseTables(data []byte) (*Tables, error) {
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "emissions: parse tables")
	}
	for i, row := range f.Tocs {
		if row.TocID == "" {
			return nil, eris.Errorf("emissions: toc row %d has no toc_id", i)
		}
	}
	for i, row := range f.Hocs {
		if row.HocID == "" {
			return nil, eris.Errorf("emissions: hoc row %d has no hoc_id", i)
		}
	}
	return NewTables(f.Tocs, f.Hocs), nil
}

// LoadTables reads a YAML fixture from path. An empty path yields the
// built-in defaults.
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return DefaultTables(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "emissions: read tables %s", path)
	}
	return ParseTables(data)
}

var (
	defaultsOnce sync.Once
	defaults     *Tables
)

// DefaultTables returns the built-in reference rows (TOC 200-204, HOC 100-103).
func DefaultTables() *Tables {
	defaultsOnce.Do(func() {
		t, err := ParseTables(defaultsYAML)
		if err != nil {
			panic(err)
		}
		defaults = t
	})
	return defaults
}

// Toc returns the transport row with the given id.
func (t *Tables) Toc(id string) (model.TocRow, bool) {
	i, ok := t.tocIndex[id]
	if !ok {
		return model.TocRow{}, false
	}
	return t.tocs[i], true
}

// Hoc returns the hub row with the given id.
func (t *Tables) Hoc(id string) (model.HocRow, bool) {
	i, ok := t.hocIndex[id]
	if !ok {
		return model.HocRow{}, false
	}
	return t.hocs[i], true
}

// Tocs returns a copy of all transport rows.
func (t *Tables) Tocs() []model.TocRow { return append([]model.TocRow{}, t.tocs...) }

// Hocs returns a copy of all hub rows.
func (t *Tables) Hocs() []model.HocRow { return append([]model.HocRow{}, t.hocs...) }

// Collect returns the rows referenced by fp's chain, each once, in first-use
// order. Ids with no row are skipped.
func (t *Tables) Collect(fp model.Footprint) ([]model.TocRow, []model.HocRow) {
	tocs := []model.TocRow{}
	hocs := []model.HocRow{}
	seen := make(map[string]bool)
	for _, ev := range fp.Chain() {
		switch l := ev.Leg.(type) {
		case model.TransportLeg:
			if seen["toc:"+l.TocID] {
				continue
			}
			seen["toc:"+l.TocID] = true
			if row, ok := t.Toc(l.TocID); ok {
				tocs = append(tocs, row)
			}
		case model.HubLeg:
			if seen["hoc:"+l.HocID] {
				continue
			}
			seen["hoc:"+l.HocID] = true
			if row, ok := t.Hoc(l.HocID); ok {
				hocs = append(hocs, row)
			}
		}
	}
	return tocs, hocs
}

// Document builds a proofing document for fp carrying the rows its chain uses.
func (t *Tables) Document(fp model.Footprint) model.ProofingDocument {
	tocs, hocs := t.Collect(fp)
	return model.NewProofingDocument(fp, tocs, hocs)
}
