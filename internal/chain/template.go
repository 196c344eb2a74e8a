package chain

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/pcf-provenance/internal/model"
)

// ShipmentInfo describes a new shipment to create a footprint for.
type ShipmentInfo struct {
	ShipmentID string  `json:"shipmentId"`
	Weight     float64 `json:"weight"`
}

// Validate rejects whitespace-only ids and non-positive weights. An empty
// id is allowed and replaced by a generated one.
func (s ShipmentInfo) Validate() error {
	var problems []string
	if s.ShipmentID != "" && strings.TrimSpace(s.ShipmentID) == "" {
		problems = append(problems, "shipmentId must not be blank")
	}
	if s.Weight <= 0 {
		problems = append(problems, "weight must be positive")
	}
	if len(problems) > 0 {
		return model.NewValidationError("shipment", problems...)
	}
	return nil
}

// TemplateOptions holds the values stamped onto every new footprint.
type TemplateOptions struct {
	SpecVersion string
	DataSchema  string
	CompanyName string
	Now         func() time.Time
}

// NewFootprint creates an active, version 0 footprint with one empty
// shipment extension.
func NewFootprint(opts TemplateOptions, info ShipmentInfo) (model.Footprint, error) {
	if err := info.Validate(); err != nil {
		return model.Footprint{}, err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	schema := opts.DataSchema
	if schema == "" {
		schema = model.ShipmentDataSchema
	}
	shipmentID := info.ShipmentID
	if shipmentID == "" {
		shipmentID = "SHIP_" + uuid.NewString()
	}

	return model.Footprint{
		ID:                 uuid.NewString(),
		Created:            now().UTC(),
		SpecVersion:        opts.SpecVersion,
		Version:            0,
		Status:             model.FootprintStatusActive,
		CompanyName:        opts.CompanyName,
		CompanyIDs:         []string{"urn:epcidsgln:" + uuid.NewString()},
		ProductDescription: "Logistics emissions related to shipment with ID " + shipmentID,
		ProductIDs:         []string{"urn:pathfinder:product:customcode:vendor-assigned:" + uuid.NewString()},
		ProductCategoryCPC: strconv.Itoa(1000 + rand.IntN(9000)),
		ProductNameCompany: "Shipment with ID " + shipmentID,
		PCF:                0,
		Extensions: []model.Extension{{
			DataSchema: schema,
			Data: &model.ShipmentData{
				ShipmentID: shipmentID,
				Mass:       info.Weight,
				TCEs:       []model.ChainEvent{},
			},
		}},
	}, nil
}
