package jobs

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/lifecycle"
	"github.com/sells-group/pcf-provenance/internal/model"
)

// Application error types reported to the dispatcher.
const (
	ValidationErrorType = "ValidationError"
	TransportErrorType  = "TransportError"
)

// Registrar is the subset of a Temporal worker used to register jobs.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Activities adapts Jobs to Temporal. Validation failures become
// non-retryable application errors so the dispatcher raises an incident
// instead of retrying.
type Activities struct {
	jobs *Jobs
}

// NewActivities wraps j.
func NewActivities(j *Jobs) *Activities {
	return &Activities{jobs: j}
}

// Register registers every job as an activity under its job name, plus
// ShipmentWorkflow.
func Register(r Registrar, j *Jobs) {
	a := NewActivities(j)
	r.RegisterWorkflowWithOptions(ShipmentWorkflow, workflow.RegisterOptions{Name: ShipmentWorkflowName})
	r.RegisterActivityWithOptions(a.DefineFootprintTemplate, activity.RegisterOptions{Name: DefineFootprintTemplateName})
	r.RegisterActivityWithOptions(a.AppendTransportEvent, activity.RegisterOptions{Name: AppendTransportEventName})
	r.RegisterActivityWithOptions(a.AppendHubEvent, activity.RegisterOptions{Name: AppendHubEventName})
	r.RegisterActivityWithOptions(a.CollectReferenceData, activity.RegisterOptions{Name: CollectReferenceDataName})
	r.RegisterActivityWithOptions(a.ComputeFootprintValue, activity.RegisterOptions{Name: ComputeFootprintValueName})
	r.RegisterActivityWithOptions(a.ImportPriorProof, activity.RegisterOptions{Name: ImportPriorProofName})
	r.RegisterActivityWithOptions(a.SendProofingDocument, activity.RegisterOptions{Name: SendProofingDocumentName})
	r.RegisterActivityWithOptions(a.ReceiveProofResponse, activity.RegisterOptions{Name: ReceiveProofResponseName})
	r.RegisterActivityWithOptions(a.RegisterProof, activity.RegisterOptions{Name: RegisterProofName})
	r.RegisterActivityWithOptions(a.RetrieveAndVerifyProof, activity.RegisterOptions{Name: RetrieveAndVerifyProofName})
}

func (a *Activities) DefineFootprintTemplate(ctx context.Context, in DefineFootprintTemplateInput) (FootprintOutput, error) {
	out, err := a.jobs.DefineFootprintTemplate(ctx, in)
	return out, activityError(DefineFootprintTemplateName, err)
}

func (a *Activities) AppendTransportEvent(ctx context.Context, in AppendTransportEventInput) (FootprintOutput, error) {
	out, err := a.jobs.AppendTransportEvent(ctx, in)
	return out, activityError(AppendTransportEventName, err)
}

func (a *Activities) AppendHubEvent(ctx context.Context, in AppendHubEventInput) (FootprintOutput, error) {
	out, err := a.jobs.AppendHubEvent(ctx, in)
	return out, activityError(AppendHubEventName, err)
}

func (a *Activities) CollectReferenceData(ctx context.Context, in FootprintInput) (ReferenceDataOutput, error) {
	out, err := a.jobs.CollectReferenceData(ctx, in)
	return out, activityError(CollectReferenceDataName, err)
}

func (a *Activities) ComputeFootprintValue(ctx context.Context, in ComputeFootprintValueInput) (ComputeOutput, error) {
	out, err := a.jobs.ComputeFootprintValue(ctx, in)
	return out, activityError(ComputeFootprintValueName, err)
}

func (a *Activities) ImportPriorProof(ctx context.Context, in ImportPriorProofInput) (ProofOutput, error) {
	out, err := a.jobs.ImportPriorProof(ctx, in)
	return out, activityError(ImportPriorProofName, err)
}

func (a *Activities) SendProofingDocument(ctx context.Context, in SendProofingDocumentInput) (DocumentOutput, error) {
	out, err := a.jobs.SendProofingDocument(ctx, in)
	return out, activityError(SendProofingDocumentName, err)
}

func (a *Activities) ReceiveProofResponse(ctx context.Context, in ReceiveProofResponseInput) (ReceiveOutput, error) {
	out, err := a.jobs.ReceiveProofResponse(ctx, in)
	return out, activityError(ReceiveProofResponseName, err)
}

func (a *Activities) RegisterProof(ctx context.Context, in RegisterProofInput) (Result, error) {
	out, err := a.jobs.RegisterProof(ctx, in)
	return out, activityError(RegisterProofName, err)
}

func (a *Activities) RetrieveAndVerifyProof(ctx context.Context, in KeyInput) (VerifyOutput, error) {
	out, err := a.jobs.RetrieveAndVerifyProof(ctx, in)
	return out, activityError(RetrieveAndVerifyProofName, err)
}

func activityError(job string, err error) error {
	if err == nil {
		return nil
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		zap.L().Error("jobs: rejected input", zap.String("job", job), zap.Error(err))
		return temporal.NewNonRetryableApplicationError(err.Error(), ValidationErrorType, err)
	}
	zap.L().Warn("jobs: job failed", zap.String("job", job), zap.Error(err))
	var te *lifecycle.TransportError
	if errors.As(err, &te) {
		return temporal.NewApplicationErrorWithCause(err.Error(), TransportErrorType, err)
	}
	return err
}
