package emissions

import (
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/pcf-provenance/internal/model"
)

// LegKind distinguishes transport from hub contributions.
type LegKind string

const (
	LegTransport LegKind = "transport"
	LegHub       LegKind = "hub"
)

// Contribution is the emissions attributed to one chain event.
type Contribution struct {
	EventID     string  `json:"event_id"`
	OperationID string  `json:"operation_id"`
	Kind        LegKind `json:"kind"`
	Mass        float64 `json:"mass"`
	Factor      float64 `json:"factor"`
	Distance    float64 `json:"distance,omitempty"`
	Value       float64 `json:"value"`
}

// Warning records an event that contributed zero because data was missing.
type Warning struct {
	EventID     string  `json:"event_id"`
	OperationID string  `json:"operation_id"`
	Kind        LegKind `json:"kind"`
	Reason      string  `json:"reason"`
}

// Result is the outcome of a footprint computation. Total is the footprint
// value; Contributions and Warnings are in chain order.
type Result struct {
	Total         float64        `json:"total"`
	PriorTotal    float64        `json:"prior_total"`
	Contributions []Contribution `json:"contributions"`
	Warnings      []Warning      `json:"warnings,omitempty"`
}

// Compute returns the footprint value of doc using the reference rows the
// document carries, seeded with the pcf of every prior proof.
func Compute(doc model.ProofingDocument, prior []model.ProofRecord) Result {
	return NewTables(doc.TocData, doc.HocData).Evaluate(doc.ProductFootprint, prior)
}

// Evaluate walks fp's chain against t. Missing rows, unparsable factors and
// missing distances contribute zero and are reported as warnings.
func (t *Tables) Evaluate(fp model.Footprint, prior []model.ProofRecord) Result {
	res := Result{
		PriorTotal:    model.SumPCF(prior),
		Contributions: []Contribution{},
	}
	res.Total = res.PriorTotal

	for _, ev := range fp.Chain() {
		c, warn := t.contribution(ev)
		if warn != nil {
			res.Warnings = append(res.Warnings, *warn)
			zap.L().Warn("emissions: event contributes zero",
				zap.String("footprint_id", fp.ID),
				zap.String("event_id", warn.EventID),
				zap.String("operation_id", warn.OperationID),
				zap.String("reason", warn.Reason),
			)
		}
		res.Contributions = append(res.Contributions, c)
		res.Total += c.Value
	}

	zap.L().Debug("emissions: computed footprint value",
		zap.String("footprint_id", fp.ID),
		zap.Float64("prior_total", res.PriorTotal),
		zap.Float64("total", res.Total),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res
}

func (t *Tables) contribution(ev model.ChainEvent) (Contribution, *Warning) {
	switch l := ev.Leg.(type) {
	case model.TransportLeg:
		c := Contribution{EventID: ev.ID, OperationID: l.TocID, Kind: LegTransport, Mass: ev.Mass}
		row, ok := t.Toc(l.TocID)
		if !ok {
			return c, c.warn("transport operation not found")
		}
		factor, ok := ParseFactor(row.CO2eIntensityWTW)
		if !ok {
			return c, c.warn("unparsable intensity " + strconv.Quote(row.CO2eIntensityWTW))
		}
		c.Factor = factor
		if l.Distance == nil {
			return c, c.warn("distance missing")
		}
		c.Distance = l.Distance.Actual
		c.Value = ev.Mass * factor * l.Distance.Actual
		return c, nil
	case model.HubLeg:
		c := Contribution{EventID: ev.ID, OperationID: l.HocID, Kind: LegHub, Mass: ev.Mass}
		row, ok := t.Hoc(l.HocID)
		if !ok {
			return c, c.warn("hub operation not found")
		}
		factor, ok := ParseFactor(row.CO2eIntensityWTW)
		if !ok {
			return c, c.warn("unparsable intensity " + strconv.Quote(row.CO2eIntensityWTW))
		}
		c.Factor = factor
		c.Value = ev.Mass * factor
		return c, nil
	default:
		c := Contribution{EventID: ev.ID, Mass: ev.Mass}
		return c, c.warn("event has no leg")
	}
}

func (c Contribution) warn(reason string) *Warning {
	return &Warning{EventID: c.EventID, OperationID: c.OperationID, Kind: c.Kind, Reason: reason}
}

// ParseFactor reads the numeric prefix of an intensity string such as
// "25 gCO2/unit". The first whitespace-separated token must be a finite float.
func ParseFactor(s string) (float64, bool) {
	fields := strings.Fields(norm.NFKC.String(s))
	if len(fields) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
