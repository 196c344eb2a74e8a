package model

// EnergyCarrier describes a fuel or energy source used by an operation.
type EnergyCarrier struct {
	EnergyCarrier     string `json:"energyCarrier" yaml:"energy_carrier"`
	RelativeShare     string `json:"relativeShare,omitempty" yaml:"relative_share,omitempty"`
	EmissionFactorWTW string `json:"emissionFactorWTW,omitempty" yaml:"emission_factor_wtw,omitempty"`
	EmissionFactorTTW string `json:"emissionFactorTTW,omitempty" yaml:"emission_factor_ttw,omitempty"`
}

// TocRow is a transport operation category with its emission intensity.
// Intensities are free text with a numeric prefix, e.g. "85 gCO2e/tkm".
type TocRow struct {
	TocID                 string          `json:"tocId" yaml:"toc_id"`
	Description           string          `json:"description,omitempty" yaml:"description,omitempty"`
	Certifications        []string        `json:"certifications,omitempty" yaml:"certifications,omitempty"`
	Mode                  string          `json:"mode" yaml:"mode"`
	LoadFactor            string          `json:"loadFactor,omitempty" yaml:"load_factor,omitempty"`
	EmptyDistanceFactor   string          `json:"emptyDistanceFactor,omitempty" yaml:"empty_distance_factor,omitempty"`
	TemperatureControl    string          `json:"temperatureControl,omitempty" yaml:"temperature_control,omitempty"`
	TruckLoadingSequence  string          `json:"truckLoadingSequence,omitempty" yaml:"truck_loading_sequence,omitempty"`
	AirShippingOption     string          `json:"airShippingOption,omitempty" yaml:"air_shipping_option,omitempty"`
	FlightLength          string          `json:"flightLength,omitempty" yaml:"flight_length,omitempty"`
	EnergyCarriers        []EnergyCarrier `json:"energyCarriers,omitempty" yaml:"energy_carriers,omitempty"`
	CO2eIntensityWTW      string          `json:"co2eIntensityWTW" yaml:"co2e_intensity_wtw"`
	CO2eIntensityTTW      string          `json:"co2eIntensityTTW,omitempty" yaml:"co2e_intensity_ttw,omitempty"`
	TransportActivityUnit string          `json:"transportActivityUnit,omitempty" yaml:"transport_activity_unit,omitempty"`
}

// HocRow is a hub operation category with its emission intensity.
type HocRow struct {
	HocID              string          `json:"hocId" yaml:"hoc_id"`
	Description        string          `json:"description,omitempty" yaml:"description,omitempty"`
	PasshubType        string          `json:"passhubType" yaml:"passhub_type"`
	TemperatureControl string          `json:"temperatureControl,omitempty" yaml:"temperature_control,omitempty"`
	EnergyCarriers     []EnergyCarrier `json:"energyCarriers,omitempty" yaml:"energy_carriers,omitempty"`
	CO2eIntensityWTW   string          `json:"co2eIntensityWTW" yaml:"co2e_intensity_wtw"`
	CO2eIntensityTTW   string          `json:"co2eIntensityTTW,omitempty" yaml:"co2e_intensity_ttw,omitempty"`
	HubActivityUnit    string          `json:"hubActivityUnit,omitempty" yaml:"hub_activity_unit,omitempty"`
}
