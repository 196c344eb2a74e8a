// Package lifecycle drives a footprint's proof through the external prover,
// the PCF registry and the receipt verifier. Every operation is one
// externally triggered step; the package never schedules work itself.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sells-group/pcf-provenance/internal/chain"
	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/resilience"
	"github.com/sells-group/pcf-provenance/pkg/queue"
	"github.com/sells-group/pcf-provenance/pkg/registry"
	"github.com/sells-group/pcf-provenance/pkg/verifier"
)

// DefaultAliasPrefix prefixes internal registry keys.
const DefaultAliasPrefix = "intern_pcf_registry_"

// dlqMaxRetries bounds how often a dead-lettered message is redriven.
const dlqMaxRetries = 3

// Registry is the chunked transfer client.
type Registry interface {
	Upload(ctx context.Context, objectName string, content []byte) bool
	Fetch(ctx context.Context, objectID string) (string, error)
}

// Verifier checks proof receipts.
type Verifier interface {
	Verify(ctx context.Context, receipt, imageID string) (*verifier.Result, error)
}

// Recorder persists lifecycle transitions and dead-lettered messages.
type Recorder interface {
	RecordTransition(ctx context.Context, t model.Transition) error
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// Config names the topics and registry alias used by the service.
type Config struct {
	OutboundTopic string
	InboundTopic  string
	AliasPrefix   string
}

// Deps are the collaborators of a Service. Any of them may be nil when the
// caller never triggers the steps that need it.
type Deps struct {
	Registry  Registry
	Verifier  Verifier
	Publisher queue.Publisher
	Consumer  queue.Consumer
	Recorder  Recorder
}

// VerifyOutcome is the result of RetrieveAndVerify. Found is false when the
// registry holds nothing under the key; Valid and Message then carry no
// verdict.
type VerifyOutcome struct {
	Key          string               `json:"key"`
	FootprintID  string               `json:"footprint_id,omitempty"`
	Found        bool                 `json:"found"`
	Valid        bool                 `json:"valid"`
	Message      string               `json:"message"`
	JournalValue *float64             `json:"journal_value,omitempty"`
	State        model.LifecycleState `json:"state,omitempty"`
	Proof        *model.ProofRecord   `json:"proof,omitempty"`
}

// Service runs the proof lifecycle steps.
type Service struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// NewService creates a Service.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.OutboundTopic == "" {
		cfg.OutboundTopic = "shipments"
	}
	if cfg.InboundTopic == "" {
		cfg.InboundTopic = "pcf-results"
	}
	if cfg.AliasPrefix == "" {
		cfg.AliasPrefix = DefaultAliasPrefix
	}
	return &Service{cfg: cfg, deps: deps, now: time.Now}
}

// AliasKey returns the internal registry key for a footprint id.
func (s *Service) AliasKey(footprintID string) string {
	return s.cfg.AliasPrefix + footprintID
}

// Send validates doc and its event chain, appends prior to its proofs when
// given and publishes it to the outbound topic keyed by footprint id. Queue
// failures are returned as *TransportError.
func (s *Service) Send(ctx context.Context, doc model.ProofingDocument, prior *model.ProofRecord) error {
	fpID := doc.ProductFootprint.ID
	out := model.NewProofingDocument(doc.ProductFootprint, doc.TocData, doc.HocData)
	out.Proofs = append(out.Proofs, doc.Proofs...)
	if prior != nil {
		out.Proofs = append(out.Proofs, *prior)
	}

	if err := out.Validate(); err != nil {
		s.fail(ctx, fpID, model.StepSend, err)
		return err
	}
	if err := chain.VerifyChain(out.ProductFootprint.Chain()); err != nil {
		s.fail(ctx, fpID, model.StepSend, err)
		return err
	}

	payload, err := json.Marshal(out)
	if err != nil {
		err = eris.Wrap(err, "lifecycle: marshal proofing document")
		s.fail(ctx, fpID, model.StepSend, err)
		return err
	}

	if s.deps.Publisher == nil {
		err := &TransportError{Step: model.StepSend, Err: eris.New("no queue publisher configured")}
		s.fail(ctx, fpID, model.StepSend, err)
		return err
	}
	if err := s.deps.Publisher.Publish(ctx, s.cfg.OutboundTopic, fpID, payload); err != nil {
		te := &TransportError{Step: model.StepSend, Err: err}
		s.fail(ctx, fpID, model.StepSend, te)
		return te
	}

	zap.L().Info("lifecycle: proofing document sent",
		zap.String("footprint_id", fpID),
		zap.String("topic", s.cfg.OutboundTopic),
		zap.Int("proofs", len(out.Proofs)),
		zap.Int("bytes", len(payload)),
	)
	s.record(ctx, fpID, model.StateSent, model.StepSend, "")
	return nil
}

// Receive consumes one proof record from the inbound topic and registers it
// under the footprint id it certifies. A registration failure is logged and
// does not fail the call. Undecodable or invalid messages are dead-lettered
// and reported as *model.ValidationError; they are committed only once the
// dead-letter entry is stored, otherwise they stay pending for redelivery.
func (s *Service) Receive(ctx context.Context) (model.ProofRecord, error) {
	if s.deps.Consumer == nil {
		return model.ProofRecord{}, &TransportError{Step: model.StepReceive, Err: eris.New("no queue consumer configured")}
	}

	msg, err := s.deps.Consumer.Fetch(ctx)
	if err != nil {
		return model.ProofRecord{}, &TransportError{Step: model.StepReceive, Err: err}
	}

	rec, err := decodeProofRecord([]byte(msg.Value))
	if err != nil {
		if s.deadLetter(ctx, msg, err) {
			s.commit(ctx, msg)
		}
		s.fail(ctx, msg.Key, model.StepReceive, err)
		return model.ProofRecord{}, err
	}

	zap.L().Info("lifecycle: proof received",
		zap.String("footprint_id", rec.ProductFootprintID),
		zap.String("message_id", msg.ID),
	)
	s.record(ctx, rec.ProductFootprintID, model.StateProofReceived, model.StepReceive, "")

	if !s.RegisterUnderKey(ctx, rec.ProductFootprintID, rec) {
		zap.L().Error("lifecycle: registration after receive failed; continuing",
			zap.String("footprint_id", rec.ProductFootprintID))
	}

	s.commit(ctx, msg)
	return rec, nil
}

// RegisterUnderKey uploads rec under an arbitrary key. Repeated calls
// overwrite.
func (s *Service) RegisterUnderKey(ctx context.Context, key string, rec model.ProofRecord) bool {
	if s.deps.Registry == nil {
		s.fail(ctx, rec.ProductFootprintID, model.StepRegister, eris.New("no registry configured"))
		return false
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.fail(ctx, rec.ProductFootprintID, model.StepRegister, eris.Wrap(err, "lifecycle: marshal proof record"))
		return false
	}

	if !s.deps.Registry.Upload(ctx, key, data) {
		s.fail(ctx, rec.ProductFootprintID, model.StepRegister, eris.Errorf("registry rejected upload under %s", key))
		return false
	}

	zap.L().Info("lifecycle: proof registered", zap.String("footprint_id", rec.ProductFootprintID), zap.String("key", key))
	s.record(ctx, rec.ProductFootprintID, model.StateRegistered, model.StepRegister, key)
	return true
}

// RetrieveAndVerify downloads the proof record stored under key and sends
// its receipt and image id to the verifier. A missing key yields
// Found=false and no error.
func (s *Service) RetrieveAndVerify(ctx context.Context, key string) (VerifyOutcome, error) {
	out := VerifyOutcome{Key: key}

	rec, found, err := s.fetchRecord(ctx, key, key)
	if err != nil || !found {
		if !found && err == nil {
			out.Message = fmt.Sprintf("no proof registered under %s", key)
			zap.L().Info("lifecycle: nothing to verify", zap.String("key", key))
		}
		return out, err
	}
	out.Found = true
	out.FootprintID = rec.ProductFootprintID
	out.Proof = &rec
	s.record(ctx, rec.ProductFootprintID, model.StateRetrieved, model.StepRetrieve, key)

	if s.deps.Verifier == nil {
		te := &TransportError{Step: model.StepVerify, Err: eris.New("no verifier configured")}
		s.fail(ctx, rec.ProductFootprintID, model.StepVerify, te)
		return out, te
	}
	res, err := s.deps.Verifier.Verify(ctx, rec.ProofReceipt, rec.ImageID)
	if msg, rejected := rejectedByVerifier(err); rejected {
		res, err = &verifier.Result{Message: "gRPC Error: " + msg}, nil
	}
	if err != nil {
		te := &TransportError{Step: model.StepVerify, Err: err}
		s.fail(ctx, rec.ProductFootprintID, model.StepVerify, te)
		return out, te
	}

	out.Valid = res.Valid
	out.Message = res.Message
	out.JournalValue = res.JournalValue
	out.State = model.StateVerificationFailed
	if res.Valid {
		out.State = model.StateVerified
	}
	zap.L().Info("lifecycle: receipt verified",
		zap.String("footprint_id", rec.ProductFootprintID),
		zap.Bool("valid", res.Valid),
		zap.String("message", res.Message),
	)
	s.record(ctx, rec.ProductFootprintID, out.State, model.StepVerify, res.Message)
	return out, nil
}

// ImportPriorProof downloads the public record published under publicID
// and registers it under its internal alias. It returns nil when the
// registry has no such record.
func (s *Service) ImportPriorProof(ctx context.Context, publicID string) (*model.ProofRecord, error) {
	if publicID == "" {
		return nil, nil
	}
	rec, found, err := s.fetchRecord(ctx, publicID, publicID)
	if err != nil || !found {
		return nil, err
	}

	alias := s.AliasKey(rec.ProductFootprintID)
	if !s.RegisterUnderKey(ctx, alias, rec) {
		return nil, &TransportError{Step: model.StepRegister, Err: eris.Errorf("upload under %s failed", alias)}
	}
	return &rec, nil
}

// PriorProof returns the record registered under the alias of publicID, or
// nil when there is none.
func (s *Service) PriorProof(ctx context.Context, publicID string) (*model.ProofRecord, error) {
	if publicID == "" {
		return nil, nil
	}
	rec, found, err := s.fetchRecord(ctx, s.AliasKey(publicID), publicID)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// Redrive publishes a dead-lettered payload back to its topic.
func (s *Service) Redrive(ctx context.Context, entry resilience.DLQEntry) error {
	if s.deps.Publisher == nil {
		return &TransportError{Step: entry.Step, Err: eris.New("no queue publisher configured")}
	}
	topic := entry.Topic
	if topic == "" {
		topic = s.cfg.InboundTopic
	}
	if err := s.deps.Publisher.Publish(ctx, topic, entry.FootprintID, entry.Payload); err != nil {
		return &TransportError{Step: entry.Step, Err: err}
	}
	return nil
}

// AttachProof records rec as the latest proof of doc: the proof reference
// points at the certified footprint and the footprint takes the proven pcf.
func AttachProof(doc model.ProofingDocument, rec model.ProofRecord) model.ProofingDocument {
	out := model.NewProofingDocument(doc.ProductFootprint, doc.TocData, doc.HocData)
	out.Proofs = append(out.Proofs, doc.Proofs...)

	rec.ProofReference = rec.ProductFootprintID
	out.ProductFootprint.PCF = rec.PCF
	out.Proofs = append(out.Proofs, rec)
	return out
}

// fetchRecord downloads and decodes the record under key. footprintID
// labels failures when the record itself cannot be read.
func (s *Service) fetchRecord(ctx context.Context, key, footprintID string) (model.ProofRecord, bool, error) {
	if s.deps.Registry == nil {
		return model.ProofRecord{}, false, &TransportError{Step: model.StepRetrieve, Err: eris.New("no registry configured")}
	}

	content, err := s.deps.Registry.Fetch(ctx, key)
	if errors.Is(err, registry.ErrNotFound) {
		return model.ProofRecord{}, false, nil
	}
	if err != nil {
		te := &TransportError{Step: model.StepRetrieve, Err: err}
		s.fail(ctx, footprintID, model.StepRetrieve, te)
		return model.ProofRecord{}, false, te
	}

	rec, err := decodeProofRecord([]byte(content))
	if err != nil {
		s.fail(ctx, footprintID, model.StepRetrieve, err)
		return model.ProofRecord{}, false, err
	}
	return rec, true, nil
}

// rejectedByVerifier reports whether err is the verifier refusing the
// receipt as malformed, and returns its status message.
func rejectedByVerifier(err error) (string, bool) {
	var se interface{ GRPCStatus() *status.Status }
	if err == nil || !errors.As(err, &se) {
		return "", false
	}
	st := se.GRPCStatus()
	if st.Code() != codes.InvalidArgument {
		return "", false
	}
	return st.Message(), true
}

func decodeProofRecord(data []byte) (model.ProofRecord, error) {
	var rec model.ProofRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.ProofRecord{}, model.NewValidationError("proof record", "decode: "+err.Error())
	}
	if err := rec.Validate(); err != nil {
		return model.ProofRecord{}, err
	}
	return rec, nil
}

// deadLetter stores msg in the dead-letter queue and reports whether the
// entry was stored.
func (s *Service) deadLetter(ctx context.Context, msg queue.Message, cause error) bool {
	zap.L().Warn("lifecycle: dead-lettering message",
		zap.String("message_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Error(cause),
	)
	if s.deps.Recorder == nil {
		zap.L().Error("lifecycle: no recorder for dead letters; leaving message uncommitted",
			zap.String("message_id", msg.ID))
		return false
	}
	now := s.now()
	entry := resilience.DLQEntry{
		FootprintID:  msg.Key,
		Step:         model.StepReceive,
		Topic:        msg.Topic,
		Payload:      msg.Value,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		MaxRetries:   dlqMaxRetries,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := s.deps.Recorder.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("lifecycle: enqueue dlq", zap.String("message_id", msg.ID), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) commit(ctx context.Context, msg queue.Message) {
	if err := s.deps.Consumer.Commit(ctx, msg); err != nil {
		zap.L().Warn("lifecycle: commit failed; message will be redelivered",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (s *Service) fail(ctx context.Context, footprintID string, step model.Step, cause error) {
	zap.L().Error("lifecycle: step failed",
		zap.String("footprint_id", footprintID),
		zap.String("step", string(step)),
		zap.Error(cause),
	)
	s.record(ctx, footprintID, model.StateFailed, step, cause.Error())
}

func (s *Service) record(ctx context.Context, footprintID string, state model.LifecycleState, step model.Step, reason string) {
	if s.deps.Recorder == nil || footprintID == "" {
		return
	}
	err := s.deps.Recorder.RecordTransition(ctx, model.Transition{
		FootprintID: footprintID,
		State:       state,
		Step:        step,
		Reason:      reason,
		At:          s.now(),
	})
	if err != nil {
		zap.L().Warn("lifecycle: record transition",
			zap.String("footprint_id", footprintID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}
