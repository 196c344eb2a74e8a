// Package jobs exposes every externally triggered operation as a job with
// fixed input and output records. The same methods back the Temporal
// activities and the HTTP trigger endpoints.
package jobs

import (
	"context"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/chain"
	"github.com/sells-group/pcf-provenance/internal/emissions"
	"github.com/sells-group/pcf-provenance/internal/lifecycle"
	"github.com/sells-group/pcf-provenance/internal/model"
)

// Job names. Each is both a Temporal activity name and an HTTP trigger.
const (
	AppendTransportEventName    = "append-transport-event"
	AppendHubEventName          = "append-hub-event"
	SendProofingDocumentName    = "send-proofing-document"
	ReceiveProofResponseName    = "receive-proof-response"
	RegisterProofName           = "register-proof"
	RetrieveAndVerifyProofName  = "retrieve-and-verify-proof"
	ComputeFootprintValueName   = "compute-footprint-value"
	DefineFootprintTemplateName = "define-footprint-template"
	CollectReferenceDataName    = "collect-reference-data"
	ImportPriorProofName        = "import-prior-proof"
)

// Names lists every job in trigger order.
var Names = []string{
	DefineFootprintTemplateName,
	AppendTransportEventName,
	AppendHubEventName,
	CollectReferenceDataName,
	ComputeFootprintValueName,
	ImportPriorProofName,
	SendProofingDocumentName,
	ReceiveProofResponseName,
	RegisterProofName,
	RetrieveAndVerifyProofName,
}

// Random shipment weight bounds used when a template request names none.
const (
	minDefaultWeight = 1000
	maxDefaultWeight = 20000
)

// Result is embedded in every job output.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func ok() Result { return Result{OK: true} }

func failed(err error) Result { return Result{Reason: err.Error()} }

// DefineFootprintTemplateInput describes a new shipment.
type DefineFootprintTemplateInput struct {
	ShipmentID string  `json:"shipment_id,omitempty"`
	Weight     float64 `json:"weight,omitempty"`
}

// FootprintOutput carries a footprint produced by a job.
type FootprintOutput struct {
	Result
	Footprint model.Footprint `json:"footprint"`
	EventID   string          `json:"event_id,omitempty"`
}

// AppendTransportEventInput appends a transport leg to Footprint.
type AppendTransportEventInput struct {
	Footprint model.Footprint `json:"footprint"`
	TocID     string          `json:"toc_id"`
	Distance  model.Distance  `json:"distance"`
	LegMass   float64         `json:"leg_mass,omitempty"`
}

// AppendHubEventInput appends a hub leg to Footprint.
type AppendHubEventInput struct {
	Footprint model.Footprint `json:"footprint"`
	HocID     string          `json:"hoc_id"`
}

// FootprintInput names a footprint.
type FootprintInput struct {
	Footprint model.Footprint `json:"footprint"`
}

// ReferenceDataOutput carries the reference rows a chain uses.
type ReferenceDataOutput struct {
	Result
	TocData []model.TocRow `json:"toc_data"`
	HocData []model.HocRow `json:"hoc_data"`
}

// ComputeFootprintValueInput evaluates either Document, using the rows it
// carries, or Footprint against the configured tables. Prior proofs are
// Prior plus the registered alias of PrevFootprintID when set.
type ComputeFootprintValueInput struct {
	Footprint       model.Footprint         `json:"footprint"`
	Document        *model.ProofingDocument `json:"document,omitempty"`
	Prior           []model.ProofRecord     `json:"prior,omitempty"`
	PrevFootprintID string                  `json:"prev_footprint_id,omitempty"`
}

// ComputeOutput carries the footprint value and its breakdown.
type ComputeOutput struct {
	Result
	Value emissions.Result `json:"value"`
}

// ImportPriorProofInput names a proof published by the previous node.
type ImportPriorProofInput struct {
	PrevFootprintID string `json:"prev_footprint_id"`
}

// ProofOutput carries a proof record when one exists.
type ProofOutput struct {
	Result
	Proof *model.ProofRecord `json:"proof,omitempty"`
}

// SendProofingDocumentInput sends Footprint, with the reference rows its
// chain uses, to the prover. PrevFootprintID attaches the aliased prior
// proof.
type SendProofingDocumentInput struct {
	Footprint       model.Footprint `json:"footprint"`
	PrevFootprintID string          `json:"prev_footprint_id,omitempty"`
}

// DocumentOutput carries a proofing document.
type DocumentOutput struct {
	Result
	Document model.ProofingDocument `json:"document"`
}

// ReceiveProofResponseInput optionally names the document the incoming
// proof belongs to.
type ReceiveProofResponseInput struct {
	Document *model.ProofingDocument `json:"document,omitempty"`
}

// ReceiveOutput carries the received proof and, when a document was given,
// the document with the proof attached.
type ReceiveOutput struct {
	Result
	Proof    model.ProofRecord       `json:"proof"`
	Document *model.ProofingDocument `json:"document,omitempty"`
}

// RegisterProofInput stores Proof under Key.
type RegisterProofInput struct {
	Key   string            `json:"key"`
	Proof model.ProofRecord `json:"proof"`
}

// KeyInput names a registry key.
type KeyInput struct {
	Key string `json:"key"`
}

// VerifyOutput carries the verification verdict.
type VerifyOutput struct {
	Result
	Outcome lifecycle.VerifyOutcome `json:"outcome"`
}

// Jobs holds the collaborators every job draws on.
type Jobs struct {
	builder   *chain.Builder
	tables    *emissions.Tables
	template  chain.TemplateOptions
	lifecycle *lifecycle.Service
}

// New creates Jobs. svc may be nil when only offline jobs are triggered.
func New(builder *chain.Builder, tables *emissions.Tables, template chain.TemplateOptions, svc *lifecycle.Service) *Jobs {
	if builder == nil {
		builder = chain.NewBuilder()
	}
	if tables == nil {
		tables = emissions.DefaultTables()
	}
	return &Jobs{builder: builder, tables: tables, template: template, lifecycle: svc}
}

var errNoLifecycle = eris.New("jobs: proof lifecycle is not configured")

// DefineFootprintTemplate creates a version 0 footprint for a shipment. A
// zero weight is replaced by a random one.
func (j *Jobs) DefineFootprintTemplate(_ context.Context, in DefineFootprintTemplateInput) (FootprintOutput, error) {
	info := chain.ShipmentInfo{ShipmentID: in.ShipmentID, Weight: in.Weight}
	if info.Weight == 0 {
		info.Weight = float64(minDefaultWeight + rand.IntN(maxDefaultWeight-minDefaultWeight+1))
	}
	fp, err := chain.NewFootprint(j.template, info)
	if err != nil {
		return FootprintOutput{Result: failed(err)}, err
	}
	zap.L().Info("jobs: footprint template defined", zap.String("footprint_id", fp.ID), zap.Float64("weight", info.Weight))
	return FootprintOutput{Result: ok(), Footprint: fp}, nil
}

// AppendTransportEvent appends a transport leg.
func (j *Jobs) AppendTransportEvent(_ context.Context, in AppendTransportEventInput) (FootprintOutput, error) {
	fp, id, err := j.builder.AppendTransportEvent(in.Footprint, in.TocID, in.Distance, in.LegMass)
	if err != nil {
		return FootprintOutput{Result: failed(err)}, err
	}
	return FootprintOutput{Result: ok(), Footprint: fp, EventID: id}, nil
}

// AppendHubEvent appends a hub leg.
func (j *Jobs) AppendHubEvent(_ context.Context, in AppendHubEventInput) (FootprintOutput, error) {
	fp, id, err := j.builder.AppendHubEvent(in.Footprint, in.HocID)
	if err != nil {
		return FootprintOutput{Result: failed(err)}, err
	}
	return FootprintOutput{Result: ok(), Footprint: fp, EventID: id}, nil
}

// CollectReferenceData returns the table rows the footprint's chain uses.
func (j *Jobs) CollectReferenceData(_ context.Context, in FootprintInput) (ReferenceDataOutput, error) {
	tocs, hocs := j.tables.Collect(in.Footprint)
	return ReferenceDataOutput{Result: ok(), TocData: tocs, HocData: hocs}, nil
}

// ComputeFootprintValue evaluates the footprint. Missing reference data
// yields warnings, never an error.
func (j *Jobs) ComputeFootprintValue(ctx context.Context, in ComputeFootprintValueInput) (ComputeOutput, error) {
	prior := append([]model.ProofRecord{}, in.Prior...)
	if in.PrevFootprintID != "" {
		if j.lifecycle == nil {
			return ComputeOutput{Result: failed(errNoLifecycle)}, errNoLifecycle
		}
		rec, err := j.lifecycle.PriorProof(ctx, in.PrevFootprintID)
		if err != nil {
			return ComputeOutput{Result: failed(err)}, err
		}
		if rec != nil {
			prior = append(prior, *rec)
		}
	}

	var res emissions.Result
	if in.Document != nil {
		res = emissions.Compute(*in.Document, prior)
	} else {
		res = j.tables.Evaluate(in.Footprint, prior)
	}
	return ComputeOutput{Result: ok(), Value: res}, nil
}

// ImportPriorProof copies the previous node's public proof under its
// internal alias. An absent proof is not an error.
func (j *Jobs) ImportPriorProof(ctx context.Context, in ImportPriorProofInput) (ProofOutput, error) {
	if j.lifecycle == nil {
		return ProofOutput{Result: failed(errNoLifecycle)}, errNoLifecycle
	}
	rec, err := j.lifecycle.ImportPriorProof(ctx, in.PrevFootprintID)
	if err != nil {
		return ProofOutput{Result: failed(err)}, err
	}
	if rec == nil {
		return ProofOutput{Result: Result{Reason: "no prior proof for " + in.PrevFootprintID}}, nil
	}
	return ProofOutput{Result: ok(), Proof: rec}, nil
}

// SendProofingDocument publishes the footprint's proofing document. When
// PrevFootprintID is set, the prior proof must already be imported under
// its internal alias; nothing is published otherwise.
func (j *Jobs) SendProofingDocument(ctx context.Context, in SendProofingDocumentInput) (DocumentOutput, error) {
	if j.lifecycle == nil {
		return DocumentOutput{Result: failed(errNoLifecycle)}, errNoLifecycle
	}
	prior, err := j.lifecycle.PriorProof(ctx, in.PrevFootprintID)
	if err != nil {
		return DocumentOutput{Result: failed(err)}, err
	}
	if in.PrevFootprintID != "" && prior == nil {
		err := model.NewValidationError("proofing document",
			"failed to download prior proof "+in.PrevFootprintID+" from the internal registry")
		return DocumentOutput{Result: failed(err)}, err
	}

	doc := j.tables.Document(in.Footprint)
	if err := j.lifecycle.Send(ctx, doc, prior); err != nil {
		return DocumentOutput{Result: failed(err), Document: doc}, err
	}
	if prior != nil {
		doc.Proofs = append(doc.Proofs, *prior)
	}
	return DocumentOutput{Result: ok(), Document: doc}, nil
}

// ReceiveProofResponse consumes one proof from the inbound topic.
func (j *Jobs) ReceiveProofResponse(ctx context.Context, in ReceiveProofResponseInput) (ReceiveOutput, error) {
	if j.lifecycle == nil {
		return ReceiveOutput{Result: failed(errNoLifecycle)}, errNoLifecycle
	}
	rec, err := j.lifecycle.Receive(ctx)
	if err != nil {
		return ReceiveOutput{Result: failed(err)}, err
	}
	out := ReceiveOutput{Result: ok(), Proof: rec}
	if in.Document != nil {
		doc := lifecycle.AttachProof(*in.Document, rec)
		out.Document = &doc
	}
	return out, nil
}

// RegisterProof stores a proof record under an arbitrary key.
func (j *Jobs) RegisterProof(ctx context.Context, in RegisterProofInput) (Result, error) {
	if j.lifecycle == nil {
		return failed(errNoLifecycle), errNoLifecycle
	}
	key := in.Key
	if key == "" {
		key = in.Proof.ProductFootprintID
	}
	if !j.lifecycle.RegisterUnderKey(ctx, key, in.Proof) {
		return Result{Reason: "registry upload failed for " + key}, nil
	}
	return ok(), nil
}

// RetrieveAndVerifyProof downloads the proof under Key and verifies it.
func (j *Jobs) RetrieveAndVerifyProof(ctx context.Context, in KeyInput) (VerifyOutput, error) {
	if j.lifecycle == nil {
		return VerifyOutput{Result: failed(errNoLifecycle)}, errNoLifecycle
	}
	outcome, err := j.lifecycle.RetrieveAndVerify(ctx, in.Key)
	if err != nil {
		return VerifyOutput{Result: failed(err), Outcome: outcome}, err
	}
	res := Result{OK: outcome.Found && outcome.Valid}
	if !res.OK {
		res.Reason = outcome.Message
	}
	return VerifyOutput{Result: res, Outcome: outcome}, nil
}
