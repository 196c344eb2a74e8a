package model

// ProofRecord is an external prover's certified emissions result for a
// footprint. ProofReceipt is opaque to this service.
type ProofRecord struct {
	ProductFootprintID string  `json:"productFootprintId"`
	ProofReceipt       string  `json:"proofReceipt"`
	ProofReference     string  `json:"proofReference"`
	PCF                float64 `json:"pcf"`
	ImageID            string  `json:"imageId"`
}

// ProofingDocument is the unit exchanged with the prover and the registry:
// a footprint snapshot, the reference rows needed to recompute it and the
// proofs accumulated so far.
type ProofingDocument struct {
	ProductFootprint Footprint     `json:"productFootprint"`
	TocData          []TocRow      `json:"tocData"`
	HocData          []HocRow      `json:"hocData"`
	Proofs           []ProofRecord `json:"proof"`
}

// NewProofingDocument wraps a value copy of fp.
func NewProofingDocument(fp Footprint, tocs []TocRow, hocs []HocRow) ProofingDocument {
	return ProofingDocument{
		ProductFootprint: fp.Clone(),
		TocData:          append([]TocRow{}, tocs...),
		HocData:          append([]HocRow{}, hocs...),
		Proofs:           []ProofRecord{},
	}
}

// SumPCF adds up the pcf values of the given proofs.
func SumPCF(proofs []ProofRecord) float64 {
	var total float64
	for _, p := range proofs {
		total += p.PCF
	}
	return total
}
