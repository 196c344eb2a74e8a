package model

import "fmt"

// Validate checks the footprint's structural invariants.
func (f *Footprint) Validate() error {
	var problems []string
	if f.ID == "" {
		problems = append(problems, "id is required")
	}
	if f.SpecVersion == "" {
		problems = append(problems, "specVersion is required")
	}
	if f.Version < 0 {
		problems = append(problems, "version must not be negative")
	}
	ext, err := f.ShipmentExtension()
	if err != nil {
		if ve, ok := err.(*ValidationError); ok {
			problems = append(problems, ve.Problems...)
		}
	} else {
		problems = append(problems, ext.Data.problems()...)
	}
	if len(problems) > 0 {
		return NewValidationError("footprint", problems...)
	}
	return nil
}

func (d *ShipmentData) problems() []string {
	var problems []string
	if d.ShipmentID == "" {
		problems = append(problems, "shipmentId is required")
	}
	if d.Mass < 0 {
		problems = append(problems, "mass must not be negative")
	}
	for i, ev := range d.TCEs {
		if ev.ID == "" {
			problems = append(problems, fmt.Sprintf("tces[%d]: tceId is required", i))
		}
		switch l := ev.Leg.(type) {
		case TransportLeg:
			if l.TocID == "" {
				problems = append(problems, fmt.Sprintf("tces[%d]: tocId is required", i))
			}
			if l.Distance != nil && l.Distance.Actual < 0 {
				problems = append(problems, fmt.Sprintf("tces[%d]: distance must not be negative", i))
			}
		case HubLeg:
			if l.HocID == "" {
				problems = append(problems, fmt.Sprintf("tces[%d]: hocId is required", i))
			}
		default:
			problems = append(problems, fmt.Sprintf("tces[%d]: leg is required", i))
		}
	}
	return problems
}

// Validate checks the document and the footprint snapshot it wraps.
func (d *ProofingDocument) Validate() error {
	var problems []string
	if err := d.ProductFootprint.Validate(); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			problems = append(problems, ve.Problems...)
		}
	}
	for i, p := range d.Proofs {
		if err := p.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("proof[%d]: %s", i, err.Error()))
		}
	}
	for i, row := range d.TocData {
		if row.TocID == "" {
			problems = append(problems, fmt.Sprintf("tocData[%d]: tocId is required", i))
		}
	}
	for i, row := range d.HocData {
		if row.HocID == "" {
			problems = append(problems, fmt.Sprintf("hocData[%d]: hocId is required", i))
		}
	}
	if len(problems) > 0 {
		return NewValidationError("proofing document", problems...)
	}
	return nil
}

// Validate checks that the record names a footprint and carries a receipt.
func (p *ProofRecord) Validate() error {
	var problems []string
	if p.ProductFootprintID == "" {
		problems = append(problems, "productFootprintId is required")
	}
	if p.ProofReceipt == "" {
		problems = append(problems, "proofReceipt is required")
	}
	if len(problems) > 0 {
		return NewValidationError("proof record", problems...)
	}
	return nil
}
