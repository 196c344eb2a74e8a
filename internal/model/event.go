package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// ChainEvent is one transport or hub leg in a shipment's provenance chain
// (a transport chain element, TCE). PrevIDs holds every ancestor id in
// chain order, not just the immediate predecessor.
type ChainEvent struct {
	ID         string
	ShipmentID string
	Mass       float64
	PrevIDs    []string
	Leg        Leg
}

// Leg is either a TransportLeg or a HubLeg.
type Leg interface {
	// OperationID returns the transport or hub operation id of the leg.
	OperationID() string
	isLeg()
}

// TransportLeg is a movement between two locations under a transport operation.
type TransportLeg struct {
	TocID    string
	Distance *Distance
}

// HubLeg is a stay at a hub under a hub operation.
type HubLeg struct {
	HocID string
}

// OperationID implements Leg.
func (l TransportLeg) OperationID() string { return l.TocID }

// OperationID implements Leg.
func (l HubLeg) OperationID() string { return l.HocID }

func (TransportLeg) isLeg() {}
func (HubLeg) isLeg()       {}

// Distance is a sensor-measured leg distance in kilometers. The commitment
// fields are recorded and forwarded untouched.
type Distance struct {
	Actual     float64           `json:"actual"`
	Planned    *float64          `json:"planned,omitempty"`
	Commitment *SensorCommitment `json:"commitment,omitempty"`
}

// SensorCommitment binds a signed sensor measurement to a chain event.
type SensorCommitment struct {
	SensorKey        string `json:"sensorkey"`
	SignedSensorData string `json:"signedSensorData"`
	Salt             string `json:"salt"`
	Commitment       string `json:"commitment"`
}

// Transport returns the leg as a TransportLeg when it is one.
func (e ChainEvent) Transport() (TransportLeg, bool) {
	l, ok := e.Leg.(TransportLeg)
	return l, ok
}

// Hub returns the leg as a HubLeg when it is one.
func (e ChainEvent) Hub() (HubLeg, bool) {
	l, ok := e.Leg.(HubLeg)
	return l, ok
}

// Clone returns a deep copy of the event.
func (e ChainEvent) Clone() ChainEvent {
	out := e
	out.PrevIDs = append([]string{}, e.PrevIDs...)
	if t, ok := e.Leg.(TransportLeg); ok && t.Distance != nil {
		d := *t.Distance
		if d.Planned != nil {
			p := *d.Planned
			d.Planned = &p
		}
		if d.Commitment != nil {
			c := *d.Commitment
			d.Commitment = &c
		}
		t.Distance = &d
		out.Leg = t
	}
	return out
}

type chainEventJSON struct {
	ID         string    `json:"tceId"`
	ShipmentID string    `json:"shipmentId"`
	Mass       float64   `json:"mass"`
	Distance   *Distance `json:"distance,omitempty"`
	TocID      string    `json:"tocId,omitempty"`
	HocID      string    `json:"hocId,omitempty"`
	PrevIDs    []string  `json:"prevTceIds"`
}

// MarshalJSON flattens the leg into tocId/distance or hocId.
func (e ChainEvent) MarshalJSON() ([]byte, error) {
	w := chainEventJSON{
		ID:         e.ID,
		ShipmentID: e.ShipmentID,
		Mass:       e.Mass,
		PrevIDs:    e.PrevIDs,
	}
	if w.PrevIDs == nil {
		w.PrevIDs = []string{}
	}
	switch l := e.Leg.(type) {
	case TransportLeg:
		if l.TocID == "" {
			return nil, eris.Errorf("model: event %s has an empty transport operation id", e.ID)
		}
		w.TocID = l.TocID
		w.Distance = l.Distance
	case HubLeg:
		if l.HocID == "" {
			return nil, eris.Errorf("model: event %s has an empty hub operation id", e.ID)
		}
		w.HocID = l.HocID
	default:
		return nil, eris.Errorf("model: event %s has no leg", e.ID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON rejects events that name both or neither operation ids.
func (e *ChainEvent) UnmarshalJSON(data []byte) error {
	var w chainEventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return eris.Wrap(err, "model: decode chain event")
	}
	switch {
	case w.TocID != "" && w.HocID != "":
		return NewValidationError("chain event", "event "+w.ID+" carries both tocId and hocId")
	case w.TocID != "":
		e.Leg = TransportLeg{TocID: w.TocID, Distance: w.Distance}
	case w.HocID != "":
		if w.Distance != nil {
			return NewValidationError("chain event", "hub event "+w.ID+" carries a distance")
		}
		e.Leg = HubLeg{HocID: w.HocID}
	default:
		return NewValidationError("chain event", "event "+w.ID+" carries neither tocId nor hocId")
	}
	e.ID = w.ID
	e.ShipmentID = w.ShipmentID
	e.Mass = w.Mass
	e.PrevIDs = w.PrevIDs
	if e.PrevIDs == nil {
		e.PrevIDs = []string{}
	}
	return nil
}
