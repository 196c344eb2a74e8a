// Package chain appends transport and hub legs to a footprint's provenance
// chain and creates new footprint templates.
package chain

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/model"
)

// Builder appends chain events. The zero value is usable and draws event
// ids from uuid.NewString.
type Builder struct {
	NewID func() string
}

// NewBuilder returns a Builder using random UUIDs.
func NewBuilder() *Builder {
	return &Builder{NewID: uuid.NewString}
}

func (b *Builder) id() string {
	if b == nil || b.NewID == nil {
		return uuid.NewString()
	}
	return b.NewID()
}

// AppendTransportEvent appends a transport leg under operation tocID.
// The event mass is legMass when positive, otherwise the shipment mass.
// fp is not modified; the updated copy and the new event id are returned.
func (b *Builder) AppendTransportEvent(fp model.Footprint, tocID string, distance model.Distance, legMass float64) (model.Footprint, string, error) {
	if tocID == "" {
		return model.Footprint{}, "", model.NewValidationError("chain event", "transport operation id is required")
	}
	if distance.Actual < 0 {
		return model.Footprint{}, "", model.NewValidationError("chain event", "distance must not be negative")
	}
	d := distance
	return b.append(fp, model.TransportLeg{TocID: tocID, Distance: &d}, legMass)
}

// AppendHubEvent appends a hub leg under operation hocID using the
// shipment mass.
func (b *Builder) AppendHubEvent(fp model.Footprint, hocID string) (model.Footprint, string, error) {
	if hocID == "" {
		return model.Footprint{}, "", model.NewValidationError("chain event", "hub operation id is required")
	}
	return b.append(fp, model.HubLeg{HocID: hocID}, 0)
}

func (b *Builder) append(fp model.Footprint, leg model.Leg, legMass float64) (model.Footprint, string, error) {
	out := fp.Clone()
	ext, err := out.ShipmentExtension()
	if err != nil {
		return model.Footprint{}, "", eris.Wrapf(err, "chain: append to footprint %s", fp.ID)
	}

	mass := ext.Data.Mass
	if legMass > 0 {
		mass = legMass
	}

	ev := model.ChainEvent{
		ID:         b.id(),
		ShipmentID: ext.Data.ShipmentID,
		Mass:       mass,
		PrevIDs:    nextAncestors(ext.Data.TCEs),
		Leg:        leg,
	}
	ext.Data.TCEs = append(ext.Data.TCEs, ev)
	out.Version++

	zap.L().Debug("chain: appended event",
		zap.String("footprint_id", out.ID),
		zap.String("event_id", ev.ID),
		zap.String("operation_id", leg.OperationID()),
		zap.Int("depth", len(ev.PrevIDs)),
	)
	return out, ev.ID, nil
}

// Ancestors returns the ancestor list the next appended event would carry.
func Ancestors(fp model.Footprint) ([]string, error) {
	ext, err := fp.ShipmentExtension()
	if err != nil {
		return nil, err
	}
	return nextAncestors(ext.Data.TCEs), nil
}

func nextAncestors(events []model.ChainEvent) []string {
	if len(events) == 0 {
		return []string{}
	}
	last := events[len(events)-1]
	out := make([]string, 0, len(last.PrevIDs)+1)
	out = append(out, last.PrevIDs...)
	return append(out, last.ID)
}

// VerifyChain checks that every event's ancestor list equals its
// predecessor's list followed by the predecessor id.
func VerifyChain(events []model.ChainEvent) error {
	for i, ev := range events {
		want := nextAncestors(events[:i])
		if len(ev.PrevIDs) != len(want) {
			return model.NewValidationError("chain",
				fmt.Sprintf("event %d (%s) has %d ancestors, want %d", i, ev.ID, len(ev.PrevIDs), len(want)))
		}
		for j := range want {
			if ev.PrevIDs[j] != want[j] {
				return model.NewValidationError("chain",
					fmt.Sprintf("event %d (%s) ancestor %d is %s, want %s", i, ev.ID, j, ev.PrevIDs[j], want[j]))
			}
		}
	}
	return nil
}
