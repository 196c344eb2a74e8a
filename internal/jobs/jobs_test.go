package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pcf-provenance/internal/chain"
	"github.com/sells-group/pcf-provenance/internal/emissions"
	"github.com/sells-group/pcf-provenance/internal/lifecycle"
	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/pkg/queue"
	"github.com/sells-group/pcf-provenance/pkg/registry"
	"github.com/sells-group/pcf-provenance/pkg/verifier"
)

type memRegistry map[string]string

func (m memRegistry) Upload(_ context.Context, name string, content []byte) bool {
	m[name] = string(content)
	return true
}

func (m memRegistry) Fetch(_ context.Context, id string) (string, error) {
	c, ok := m[id]
	if !ok {
		return "", eris.Wrapf(registry.ErrNotFound, "object %s", id)
	}
	return c, nil
}

type stubVerifier struct{ valid bool }

func (s stubVerifier) Verify(context.Context, string, string) (*verifier.Result, error) {
	msg := "rejected"
	if s.valid {
		msg = "accepted"
	}
	return &verifier.Result{Valid: s.valid, Message: msg}, nil
}

type memQueue struct {
	published []queue.Message
	inbox     []queue.Message
	err       error
}

func (q *memQueue) Publish(_ context.Context, topic, key string, value []byte) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, queue.Message{Topic: topic, Key: key, Value: value})
	return nil
}

func (q *memQueue) Fetch(context.Context) (queue.Message, error) {
	if len(q.inbox) == 0 {
		return queue.Message{}, context.DeadlineExceeded
	}
	m := q.inbox[0]
	q.inbox = q.inbox[1:]
	return m, nil
}

func (q *memQueue) Commit(context.Context, queue.Message) error { return nil }

func (q *memQueue) Close() error { return nil }

func seqBuilder() *chain.Builder {
	n := 0
	return &chain.Builder{NewID: func() string {
		n++
		return fmt.Sprintf("tce-%d", n)
	}}
}

type harness struct {
	jobs     *Jobs
	registry memRegistry
	queue    *memQueue
}

func newHarness() *harness {
	h := &harness{registry: memRegistry{}, queue: &memQueue{}}
	svc := lifecycle.NewService(lifecycle.Config{}, lifecycle.Deps{
		Registry:  h.registry,
		Verifier:  stubVerifier{valid: true},
		Publisher: h.queue,
		Consumer:  h.queue,
	})
	h.jobs = New(seqBuilder(), emissions.DefaultTables(),
		chain.TemplateOptions{SpecVersion: "2.0.0", DataSchema: "schema"}, svc)
	return h
}

func (h *harness) template(t *testing.T, weight float64) model.Footprint {
	t.Helper()
	out, err := h.jobs.DefineFootprintTemplate(context.Background(), DefineFootprintTemplateInput{ShipmentID: "SHIP_1", Weight: weight})
	require.NoError(t, err)
	require.True(t, out.OK)
	return out.Footprint
}

func TestDefineFootprintTemplate(t *testing.T) {
	h := newHarness()
	fp := h.template(t, 1000)
	assert.Equal(t, 0, fp.Version)
	assert.Equal(t, "2.0.0", fp.SpecVersion)

	out, err := h.jobs.DefineFootprintTemplate(context.Background(), DefineFootprintTemplateInput{})
	require.NoError(t, err)
	ext, err := out.Footprint.ShipmentExtension()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ext.Data.Mass, float64(minDefaultWeight))
	assert.LessOrEqual(t, ext.Data.Mass, float64(maxDefaultWeight))
	assert.Contains(t, ext.Data.ShipmentID, "SHIP_")
}

func TestDefineFootprintTemplate_NegativeWeight(t *testing.T) {
	out, err := newHarness().jobs.DefineFootprintTemplate(context.Background(), DefineFootprintTemplateInput{Weight: -1})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, out.OK)
	assert.Contains(t, out.Reason, "weight must be positive")
}

func TestAppendEventsAndCompute(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	fp := h.template(t, 1000)

	tr, err := h.jobs.AppendTransportEvent(ctx, AppendTransportEventInput{Footprint: fp, TocID: "200", Distance: model.Distance{Actual: 1}})
	require.NoError(t, err)
	assert.Equal(t, "tce-1", tr.EventID)

	hub, err := h.jobs.AppendHubEvent(ctx, AppendHubEventInput{Footprint: tr.Footprint, HocID: "100"})
	require.NoError(t, err)
	assert.Equal(t, "tce-2", hub.EventID)
	assert.Equal(t, []string{"tce-1"}, hub.Footprint.Chain()[1].PrevIDs)

	val, err := h.jobs.ComputeFootprintValue(ctx, ComputeFootprintValueInput{
		Footprint: hub.Footprint,
		Prior:     []model.ProofRecord{{PCF: 5}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 85000.0+25000.0+5, val.Value.Total, 1e-9)
	assert.Empty(t, val.Value.Warnings)

	refs, err := h.jobs.CollectReferenceData(ctx, FootprintInput{Footprint: hub.Footprint})
	require.NoError(t, err)
	require.Len(t, refs.TocData, 1)
	require.Len(t, refs.HocData, 1)
	assert.Equal(t, "200", refs.TocData[0].TocID)
	assert.Equal(t, "100", refs.HocData[0].HocID)
}

func TestAppendTransportEvent_MissingOperation(t *testing.T) {
	h := newHarness()
	out, err := h.jobs.AppendTransportEvent(context.Background(), AppendTransportEventInput{Footprint: h.template(t, 10)})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, out.OK)
}

func TestComputeFootprintValue_DocumentUsesItsRows(t *testing.T) {
	h := newHarness()
	fp := h.template(t, 1000)
	fp, _, err := seqBuilder().AppendTransportEvent(fp, "custom", model.Distance{Actual: 2}, 0)
	require.NoError(t, err)
	doc := model.NewProofingDocument(fp, []model.TocRow{{TocID: "custom", CO2eIntensityWTW: "1.5 kg"}}, nil)

	out, err := h.jobs.ComputeFootprintValue(context.Background(), ComputeFootprintValueInput{Document: &doc})
	require.NoError(t, err)
	assert.InDelta(t, 3000.0, out.Value.Total, 1e-9)

	// unknown to the configured tables
	out, err = h.jobs.ComputeFootprintValue(context.Background(), ComputeFootprintValueInput{Footprint: fp})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, out.Value.Total, 1e-9)
	assert.Len(t, out.Value.Warnings, 1)
}

func TestImportPriorProofThenSend(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	prev := model.ProofRecord{ProductFootprintID: "prev", ProofReceipt: "r", PCF: 12500}
	data, err := json.Marshal(prev)
	require.NoError(t, err)
	h.registry["prev"] = string(data)

	imp, err := h.jobs.ImportPriorProof(ctx, ImportPriorProofInput{PrevFootprintID: "prev"})
	require.NoError(t, err)
	require.True(t, imp.OK)
	assert.Contains(t, h.registry, "intern_pcf_registry_prev")

	fp := h.template(t, 1000)
	fp, _, err = seqBuilder().AppendTransportEvent(fp, "200", model.Distance{Actual: 1}, 0)
	require.NoError(t, err)

	val, err := h.jobs.ComputeFootprintValue(ctx, ComputeFootprintValueInput{Footprint: fp, PrevFootprintID: "prev"})
	require.NoError(t, err)
	assert.InDelta(t, 85000.0+12500.0, val.Value.Total, 1e-9)

	sent, err := h.jobs.SendProofingDocument(ctx, SendProofingDocumentInput{Footprint: fp, PrevFootprintID: "prev"})
	require.NoError(t, err)
	assert.True(t, sent.OK)
	require.Len(t, sent.Document.Proofs, 1)
	require.Len(t, sent.Document.TocData, 1)

	require.Len(t, h.queue.published, 1)
	var wire model.ProofingDocument
	require.NoError(t, json.Unmarshal(h.queue.published[0].Value, &wire))
	require.Len(t, wire.Proofs, 1)
	assert.Equal(t, "prev", wire.Proofs[0].ProductFootprintID)
}

func TestImportPriorProof_Absent(t *testing.T) {
	out, err := newHarness().jobs.ImportPriorProof(context.Background(), ImportPriorProofInput{PrevFootprintID: "none"})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Nil(t, out.Proof)
}

func TestSendProofingDocument_PriorProofNotImported(t *testing.T) {
	h := newHarness()
	prev := model.ProofRecord{ProductFootprintID: "prev", ProofReceipt: "r", PCF: 1}
	data, err := json.Marshal(prev)
	require.NoError(t, err)
	// published publicly but never imported under the internal alias
	h.registry["prev"] = string(data)

	out, err := h.jobs.SendProofingDocument(context.Background(), SendProofingDocumentInput{
		Footprint:       h.template(t, 1000),
		PrevFootprintID: "prev",
	})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, out.OK)
	assert.Contains(t, out.Reason, "failed to download prior proof prev from the internal registry")
	assert.Empty(t, h.queue.published)
}

func TestSendProofingDocument_TransportFailure(t *testing.T) {
	h := newHarness()
	h.queue.err = errors.New("broker down")

	out, err := h.jobs.SendProofingDocument(context.Background(), SendProofingDocumentInput{Footprint: h.template(t, 1000)})
	var te *lifecycle.TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, out.OK)
	assert.Contains(t, out.Reason, "broker down")
}

func TestReceiveRegisterVerify(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	fp := h.template(t, 1000)
	rec := model.ProofRecord{ProductFootprintID: fp.ID, ProofReceipt: "r", PCF: 85000, ImageID: "img"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	h.queue.inbox = append(h.queue.inbox, queue.Message{ID: "m1", Value: data})

	doc := model.NewProofingDocument(fp, nil, nil)
	got, err := h.jobs.ReceiveProofResponse(ctx, ReceiveProofResponseInput{Document: &doc})
	require.NoError(t, err)
	assert.True(t, got.OK)
	require.NotNil(t, got.Document)
	assert.InDelta(t, 85000.0, got.Document.ProductFootprint.PCF, 1e-9)
	assert.Equal(t, fp.ID, got.Document.Proofs[0].ProofReference)

	reg, err := h.jobs.RegisterProof(ctx, RegisterProofInput{Key: "custom", Proof: rec})
	require.NoError(t, err)
	assert.True(t, reg.OK)

	ver, err := h.jobs.RetrieveAndVerifyProof(ctx, KeyInput{Key: fp.ID})
	require.NoError(t, err)
	assert.True(t, ver.OK)
	assert.Equal(t, model.StateVerified, ver.Outcome.State)

	miss, err := h.jobs.RetrieveAndVerifyProof(ctx, KeyInput{Key: "missing"})
	require.NoError(t, err)
	assert.False(t, miss.OK)
	assert.False(t, miss.Outcome.Found)
}

func TestRegisterProof_DefaultsKeyToFootprintID(t *testing.T) {
	h := newHarness()
	out, err := h.jobs.RegisterProof(context.Background(), RegisterProofInput{Proof: model.ProofRecord{ProductFootprintID: "fp-7", ProofReceipt: "r"}})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Contains(t, h.registry, "fp-7")
}

func TestLifecycleJobsWithoutService(t *testing.T) {
	j := New(nil, nil, chain.TemplateOptions{SpecVersion: "2.0.0"}, nil)
	ctx := context.Background()

	_, err := j.SendProofingDocument(ctx, SendProofingDocumentInput{})
	assert.ErrorIs(t, err, errNoLifecycle)
	_, err = j.ReceiveProofResponse(ctx, ReceiveProofResponseInput{})
	assert.ErrorIs(t, err, errNoLifecycle)
	_, err = j.RetrieveAndVerifyProof(ctx, KeyInput{Key: "k"})
	assert.ErrorIs(t, err, errNoLifecycle)
	_, err = j.ImportPriorProof(ctx, ImportPriorProofInput{PrevFootprintID: "p"})
	assert.ErrorIs(t, err, errNoLifecycle)

	// offline jobs still work
	out, err := j.DefineFootprintTemplate(ctx, DefineFootprintTemplateInput{Weight: 10})
	require.NoError(t, err)
	assert.True(t, out.OK)
}
