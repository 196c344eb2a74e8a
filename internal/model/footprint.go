package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ShipmentDataSchema is the iLEAP schema of the shipment extension.
const ShipmentDataSchema = "https://api.ileap.sine.dev/shipment-footprint.json"

// FootprintStatus is the PACT publication status of a footprint.
type FootprintStatus string

const (
	FootprintStatusActive     FootprintStatus = "Active"
	FootprintStatusDeprecated FootprintStatus = "Deprecated"
)

// Footprint is a shipment's product carbon footprint together with the
// provenance chain that produced it.
type Footprint struct {
	ID                 string          `json:"id"`
	Created            time.Time       `json:"created"`
	SpecVersion        string          `json:"specVersion"`
	Version            int             `json:"version"`
	Status             FootprintStatus `json:"status"`
	CompanyName        string          `json:"companyName"`
	CompanyIDs         []string        `json:"companyIds"`
	ProductDescription string          `json:"productDescription"`
	ProductIDs         []string        `json:"productIds"`
	ProductCategoryCPC string          `json:"productCategoryCpc"`
	ProductNameCompany string          `json:"productNameCompany"`
	PCF                float64         `json:"pcf"`
	Extensions         []Extension     `json:"extensions"`
	Proofs             []ProofRecord   `json:"proofs,omitempty"`
}

// Extension is a typed payload block attached to a footprint. Data holds
// shipment payloads; any other payload is kept verbatim in Raw.
type Extension struct {
	DataSchema string          `json:"dataSchema"`
	Data       *ShipmentData   `json:"data,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

type extensionWire struct {
	DataSchema string          `json:"dataSchema"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// IsShipmentSchema reports whether schema names the shipment extension.
func IsShipmentSchema(schema string) bool {
	return schema == ShipmentDataSchema || strings.HasSuffix(schema, "/shipment-footprint.json")
}

// UnmarshalJSON decodes data as ShipmentData when the schema is the
// shipment schema or the payload carries shipment fields.
func (e *Extension) UnmarshalJSON(b []byte) error {
	var w extensionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return eris.Wrap(err, "model: decode extension")
	}
	*e = Extension{DataSchema: w.DataSchema}
	if len(w.Data) == 0 || bytes.Equal(w.Data, []byte("null")) {
		return nil
	}
	if !IsShipmentSchema(w.DataSchema) && !hasShipmentFields(w.Data) {
		e.Raw = append(json.RawMessage(nil), w.Data...)
		return nil
	}
	var data ShipmentData
	if err := json.Unmarshal(w.Data, &data); err != nil {
		return eris.Wrapf(err, "model: decode %s extension data", w.DataSchema)
	}
	e.Data = &data
	return nil
}

// MarshalJSON encodes Data, or Raw for foreign extensions.
func (e Extension) MarshalJSON() ([]byte, error) {
	w := extensionWire{DataSchema: e.DataSchema, Data: e.Raw}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, eris.Wrap(err, "model: encode shipment data")
		}
		w.Data = data
	}
	return json.Marshal(w)
}

func hasShipmentFields(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	_, ship := fields["shipmentId"]
	_, tces := fields["tces"]
	return ship || tces
}

// ShipmentData carries the shipment identity and its event chain.
type ShipmentData struct {
	ShipmentID string       `json:"shipmentId"`
	Mass       float64      `json:"mass"`
	TCEs       []ChainEvent `json:"tces"`
}

// ShipmentExtension returns the single extension carrying shipment data.
// Extensions declaring the shipment schema take precedence; without one, a
// single extension with shipment data under another schema is accepted.
// The returned pointer aliases the footprint's storage.
func (f *Footprint) ShipmentExtension() (*Extension, error) {
	var bySchema, byData []*Extension
	for i := range f.Extensions {
		ext := &f.Extensions[i]
		if ext.Data == nil {
			continue
		}
		if IsShipmentSchema(ext.DataSchema) {
			bySchema = append(bySchema, ext)
		}
		byData = append(byData, ext)
	}
	candidates := bySchema
	if len(candidates) == 0 {
		candidates = byData
	}
	switch len(candidates) {
	case 0:
		return nil, NewValidationError("footprint", "footprint has no shipment extension")
	case 1:
		return candidates[0], nil
	default:
		return nil, NewValidationError("footprint", "footprint has more than one shipment extension")
	}
}

// Chain returns the shipment event chain, or nil when the footprint has no
// usable shipment extension.
func (f *Footprint) Chain() []ChainEvent {
	ext, err := f.ShipmentExtension()
	if err != nil {
		return nil
	}
	return ext.Data.TCEs
}

// Clone returns a deep copy of the footprint.
func (f Footprint) Clone() Footprint {
	out := f
	out.CompanyIDs = cloneStrings(f.CompanyIDs)
	out.ProductIDs = cloneStrings(f.ProductIDs)
	if f.Extensions != nil {
		out.Extensions = make([]Extension, len(f.Extensions))
		for i, ext := range f.Extensions {
			out.Extensions[i] = ext.clone()
		}
	}
	if f.Proofs != nil {
		out.Proofs = append([]ProofRecord(nil), f.Proofs...)
	}
	return out
}

func (e Extension) clone() Extension {
	out := e
	if e.Raw != nil {
		out.Raw = append(json.RawMessage(nil), e.Raw...)
	}
	if e.Data != nil {
		data := *e.Data
		if e.Data.TCEs != nil {
			data.TCEs = make([]ChainEvent, len(e.Data.TCEs))
			for i, ev := range e.Data.TCEs {
				data.TCEs[i] = ev.Clone()
			}
		}
		out.Data = &data
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}
