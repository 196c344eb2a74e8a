package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pcf-provenance/internal/jobs"
	"github.com/sells-group/pcf-provenance/internal/model"
)

var (
	templateShipmentID string
	templateWeight     float64

	appendFile     string
	appendToc      string
	appendHoc      string
	appendDistance float64
	appendMass     float64

	computeFile  string
	computePrior string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Print a new version 0 footprint for a shipment",
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := initOffline()
		if err != nil {
			return err
		}
		out, err := j.DefineFootprintTemplate(cmd.Context(), jobs.DefineFootprintTemplateInput{
			ShipmentID: templateShipmentID,
			Weight:     templateWeight,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out.Footprint)
	},
}

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a transport (--toc) or hub (--hoc) leg to a footprint file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (appendToc == "") == (appendHoc == "") {
			return eris.New("append: exactly one of --toc or --hoc is required")
		}
		var fp model.Footprint
		if err := readJSON(appendFile, cmd.InOrStdin(), &fp); err != nil {
			return err
		}
		j, err := initOffline()
		if err != nil {
			return err
		}

		var out jobs.FootprintOutput
		if appendToc != "" {
			out, err = j.AppendTransportEvent(cmd.Context(), jobs.AppendTransportEventInput{
				Footprint: fp,
				TocID:     appendToc,
				Distance:  model.Distance{Actual: appendDistance},
				LegMass:   appendMass,
			})
		} else {
			out, err = j.AppendHubEvent(cmd.Context(), jobs.AppendHubEventInput{Footprint: fp, HocID: appendHoc})
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out.Footprint)
	},
}

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute the footprint value of a footprint or proofing document file",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := computeInput(computeFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if computePrior != "" {
			if err := readJSON(computePrior, nil, &in.Prior); err != nil {
				return err
			}
		}
		j, err := initOffline()
		if err != nil {
			return err
		}
		out, err := j.ComputeFootprintValue(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out.Value)
	},
}

// computeInput reads either a proofing document or a bare footprint.
func computeInput(path string, stdin io.Reader) (jobs.ComputeFootprintValueInput, error) {
	var raw json.RawMessage
	if err := readJSON(path, stdin, &raw); err != nil {
		return jobs.ComputeFootprintValueInput{}, err
	}

	var envelope struct {
		ProductFootprint json.RawMessage `json:"productFootprint"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return jobs.ComputeFootprintValueInput{}, eris.Wrap(err, "compute: decode input")
	}
	if len(envelope.ProductFootprint) > 0 {
		var doc model.ProofingDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return jobs.ComputeFootprintValueInput{}, eris.Wrap(err, "compute: decode proofing document")
		}
		return jobs.ComputeFootprintValueInput{Document: &doc}, nil
	}
	var fp model.Footprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return jobs.ComputeFootprintValueInput{}, eris.Wrap(err, "compute: decode footprint")
	}
	return jobs.ComputeFootprintValueInput{Footprint: fp}, nil
}

// readJSON decodes path into v. An empty path or "-" reads stdin.
func readJSON(path string, stdin io.Reader, v any) error {
	var r io.Reader
	if path == "" || path == "-" {
		if stdin == nil {
			return eris.New("no input file given")
		}
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return eris.Wrapf(err, "decode %s", displayName(path))
	}
	return nil
}

func displayName(path string) string {
	if path == "" || path == "-" {
		return "stdin"
	}
	return path
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	templateCmd.Flags().StringVar(&templateShipmentID, "shipment-id", "", "shipment id (generated when empty)")
	templateCmd.Flags().Float64Var(&templateWeight, "weight", 0, "shipment mass (random when zero)")

	appendCmd.Flags().StringVarP(&appendFile, "file", "f", "", "footprint JSON file (stdin when empty)")
	appendCmd.Flags().StringVar(&appendToc, "toc", "", "transport operation category id")
	appendCmd.Flags().StringVar(&appendHoc, "hoc", "", "hub operation category id")
	appendCmd.Flags().Float64Var(&appendDistance, "distance", 0, "actual leg distance")
	appendCmd.Flags().Float64Var(&appendMass, "mass", 0, "leg mass (shipment mass when zero)")

	computeCmd.Flags().StringVarP(&computeFile, "file", "f", "", "footprint or proofing document JSON file (stdin when empty)")
	computeCmd.Flags().StringVar(&computePrior, "prior", "", "JSON file with an array of prior proof records")

	rootCmd.AddCommand(templateCmd, appendCmd, computeCmd)
}
