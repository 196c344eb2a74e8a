package jobs

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/pcf-provenance/internal/emissions"
	"github.com/sells-group/pcf-provenance/internal/model"
)

// ShipmentWorkflowName is the registered name of ShipmentWorkflow.
const ShipmentWorkflowName = "shipment"

// LegSpec is one leg of a shipment run. Kind is "transport" or "hub".
type LegSpec struct {
	Kind        string  `json:"kind"`
	OperationID string  `json:"operation_id"`
	Distance    float64 `json:"distance,omitempty"`
	Mass        float64 `json:"mass,omitempty"`
}

// ShipmentWorkflowInput drives one node's share of a shipment.
type ShipmentWorkflowInput struct {
	Shipment        DefineFootprintTemplateInput `json:"shipment"`
	Legs            []LegSpec                    `json:"legs"`
	PrevFootprintID string                       `json:"prev_footprint_id,omitempty"`
	SkipSend        bool                         `json:"skip_send,omitempty"`
}

// ShipmentWorkflowOutput is the footprint built by the run and its value.
type ShipmentWorkflowOutput struct {
	Footprint model.Footprint  `json:"footprint"`
	Value     emissions.Result `json:"value"`
	Sent      bool             `json:"sent"`
}

// ShipmentWorkflow defines a footprint, imports the previous node's proof,
// appends every leg in order, computes the value and sends the proofing
// document. Each step is one job activity.
func ShipmentWorkflow(ctx workflow.Context, in ShipmentWorkflowInput) (ShipmentWorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{ValidationErrorType},
		},
	})

	var out ShipmentWorkflowOutput

	var tmpl FootprintOutput
	if err := workflow.ExecuteActivity(ctx, DefineFootprintTemplateName, in.Shipment).Get(ctx, &tmpl); err != nil {
		return out, err
	}
	fp := tmpl.Footprint

	if in.PrevFootprintID != "" {
		var prior ProofOutput
		if err := workflow.ExecuteActivity(ctx, ImportPriorProofName, ImportPriorProofInput{PrevFootprintID: in.PrevFootprintID}).Get(ctx, &prior); err != nil {
			return out, err
		}
		if !prior.OK {
			logger.Warn("no prior proof imported", "prev_footprint_id", in.PrevFootprintID, "reason", prior.Reason)
		}
	}

	for _, leg := range in.Legs {
		var step FootprintOutput
		var err error
		switch leg.Kind {
		case "hub":
			err = workflow.ExecuteActivity(ctx, AppendHubEventName, AppendHubEventInput{
				Footprint: fp,
				HocID:     leg.OperationID,
			}).Get(ctx, &step)
		default:
			err = workflow.ExecuteActivity(ctx, AppendTransportEventName, AppendTransportEventInput{
				Footprint: fp,
				TocID:     leg.OperationID,
				Distance:  model.Distance{Actual: leg.Distance},
				LegMass:   leg.Mass,
			}).Get(ctx, &step)
		}
		if err != nil {
			return out, err
		}
		fp = step.Footprint
	}

	var value ComputeOutput
	if err := workflow.ExecuteActivity(ctx, ComputeFootprintValueName, ComputeFootprintValueInput{
		Footprint:       fp,
		PrevFootprintID: in.PrevFootprintID,
	}).Get(ctx, &value); err != nil {
		return out, err
	}
	out.Footprint = fp
	out.Value = value.Value

	if in.SkipSend {
		return out, nil
	}
	var sent DocumentOutput
	if err := workflow.ExecuteActivity(ctx, SendProofingDocumentName, SendProofingDocumentInput{
		Footprint:       fp,
		PrevFootprintID: in.PrevFootprintID,
	}).Get(ctx, &sent); err != nil {
		return out, err
	}
	out.Sent = sent.OK
	logger.Info("shipment footprint sent", "footprint_id", fp.ID, "total", value.Value.Total)
	return out, nil
}
