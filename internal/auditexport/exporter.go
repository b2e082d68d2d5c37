// Package auditexport assembles finished runs into newline-delimited JSON
// bundles and ships them to object storage. A bundle holds the run record,
// every pass attempt, artifact, check, event and ledger entry, closed by an
// integrity line hashing the bytes above it.
package auditexport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/platform/objectstore"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

const bundleContentType = "application/x-ndjson"

type Exporter struct {
	logger    *slog.Logger
	store     objectstore.Store
	cfg       Config
	runs      repo.RunRepository
	passes    repo.PassRepository
	artifacts repo.ArtifactRepository
	checks    repo.CheckRepository
	events    repo.EventRepository
	ledger    repo.LedgerRepository
}

func New(logger *slog.Logger, store objectstore.Store, cfg Config,
	runs repo.RunRepository, passes repo.PassRepository, artifacts repo.ArtifactRepository,
	checks repo.CheckRepository, events repo.EventRepository, ledger repo.LedgerRepository) (*Exporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runs == nil || passes == nil || artifacts == nil || checks == nil || events == nil || ledger == nil {
		return nil, fmt.Errorf("all repositories are required")
	}
	return &Exporter{
		logger:    logger,
		store:     store,
		cfg:       cfg,
		runs:      runs,
		passes:    passes,
		artifacts: artifacts,
		checks:    checks,
		events:    events,
		ledger:    ledger,
	}, nil
}

// ExportRun uploads the run's audit bundle. The object key is partitioned
// by end date so bucket lifecycle rules can expire old bundles.
func (e *Exporter) ExportRun(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	bundle, err := e.buildBundle(ctx, run)
	if err != nil {
		return fmt.Errorf("build bundle: %w", err)
	}
	key := e.bundleKey(run)
	if err := e.store.Put(ctx, e.cfg.Bucket, key, bytes.NewReader(bundle), int64(len(bundle)), bundleContentType); err != nil {
		return fmt.Errorf("upload bundle %s: %w", key, err)
	}
	e.logger.Info("run audit bundle exported", "run_id", runID, "key", key, "bytes", len(bundle))
	return nil
}

func (e *Exporter) bundleKey(run domain.Run) string {
	at := run.CreatedAt
	if run.EndedAt != nil {
		at = *run.EndedAt
	}
	prefix := e.cfg.Prefix
	if prefix == "" {
		return fmt.Sprintf("%s/%s.ndjson", at.UTC().Format("2006/01/02"), run.ID)
	}
	return fmt.Sprintf("%s/%s/%s.ndjson", prefix, at.UTC().Format("2006/01/02"), run.ID)
}

func (e *Exporter) buildBundle(ctx context.Context, run domain.Run) ([]byte, error) {
	var buf bytes.Buffer
	records := 0
	add := func(kind string, data any) error {
		if err := appendRecord(&buf, kind, data); err != nil {
			return err
		}
		records++
		return nil
	}

	if err := add("run", runRecord(run)); err != nil {
		return nil, err
	}

	passes, err := e.passes.ListPasses(ctx, repo.PassFilter{RunID: run.ID})
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	for _, pass := range passes {
		if err := add("pass", passRecord(pass)); err != nil {
			return nil, err
		}
	}

	artifacts, err := e.artifacts.ListArtifacts(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	for _, artifact := range artifacts {
		if err := add("artifact", artifactRecord(artifact)); err != nil {
			return nil, err
		}
	}

	checks, err := e.checks.ListChecks(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	for _, check := range checks {
		if err := add("check", checkRecord(check)); err != nil {
			return nil, err
		}
	}

	events, err := e.events.ListEvents(ctx, repo.EventFilter{RunID: run.ID})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	for _, event := range events {
		if err := add("event", eventRecord(event)); err != nil {
			return nil, err
		}
	}

	entries, err := e.ledger.ListEntries(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	for _, entry := range entries {
		if err := add("ledger", ledgerRecord(entry)); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(buf.Bytes())
	integrity := integrityRecord{
		SHA256:  hex.EncodeToString(sum[:]),
		Records: records,
	}
	if err := appendRecord(&buf, "integrity", integrity); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func appendRecord(buf *bytes.Buffer, kind string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	line, err := json.Marshal(envelope{Kind: kind, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

type exportRun struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"user_id,omitempty"`
	Lane                string           `json:"lane"`
	Goal                string           `json:"goal"`
	Status              string           `json:"status"`
	TraceID             string           `json:"trace_id,omitempty"`
	InputTokens         int64            `json:"input_tokens"`
	OutputTokens        int64            `json:"output_tokens"`
	CostAmount          float64          `json:"cost_amount"`
	LatencyMS           int64            `json:"latency_ms"`
	VerificationScore   *float64         `json:"verification_score,omitempty"`
	ResidualRisk        string           `json:"residual_risk,omitempty"`
	FinalText           string           `json:"final_text,omitempty"`
	FinalCitations      []exportCitation `json:"final_citations,omitempty"`
	EvidenceUnavailable bool             `json:"evidence_unavailable"`
	ErrorKind           string           `json:"error_kind,omitempty"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	CreatedAt           string           `json:"created_at"`
	StartedAt           string           `json:"started_at,omitempty"`
	EndedAt             string           `json:"ended_at,omitempty"`
}

type exportCitation struct {
	RefID  string `json:"ref_id"`
	Source string `json:"source"`
}

func runRecord(run domain.Run) exportRun {
	citations := make([]exportCitation, 0, len(run.FinalCitations))
	for _, c := range run.FinalCitations {
		citations = append(citations, exportCitation{RefID: c.RefID, Source: c.Source})
	}
	return exportRun{
		ID:                  run.ID,
		UserID:              run.UserID,
		Lane:                run.Lane,
		Goal:                run.Goal,
		Status:              run.Status,
		TraceID:             run.TraceID,
		InputTokens:         run.InputTokens,
		OutputTokens:        run.OutputTokens,
		CostAmount:          run.CostAmount,
		LatencyMS:           run.LatencyMS,
		VerificationScore:   run.VerificationScore,
		ResidualRisk:        run.ResidualRisk,
		FinalText:           run.FinalText,
		FinalCitations:      citations,
		EvidenceUnavailable: run.EvidenceUnavailable,
		ErrorKind:           run.ErrorKind,
		ErrorMessage:        run.ErrorMessage,
		CreatedAt:           fmtTime(run.CreatedAt),
		StartedAt:           fmtTimePtr(run.StartedAt),
		EndedAt:             fmtTimePtr(run.EndedAt),
	}
}

type exportPass struct {
	ID             string `json:"id"`
	PassType       string `json:"pass_type"`
	CandidateIndex *int   `json:"candidate_index,omitempty"`
	Attempt        int    `json:"attempt"`
	Model          string `json:"model"`
	InputSHA256    string `json:"input_sha256"`
	Output         string `json:"output,omitempty"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	LatencyMS      int64  `json:"latency_ms"`
	Outcome        string `json:"outcome"`
	ErrorKind      string `json:"error_kind,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func passRecord(pass domain.PassExecution) exportPass {
	return exportPass{
		ID:             pass.ID,
		PassType:       pass.PassType,
		CandidateIndex: pass.CandidateIndex,
		Attempt:        pass.Attempt,
		Model:          pass.Model,
		InputSHA256:    pass.InputSHA256,
		Output:         pass.Output,
		InputTokens:    pass.InputTokens,
		OutputTokens:   pass.OutputTokens,
		LatencyMS:      pass.LatencyMS,
		Outcome:        pass.Outcome,
		ErrorKind:      pass.ErrorKind,
		CreatedAt:      fmtTime(pass.CreatedAt),
	}
}

type exportArtifact struct {
	ID        string  `json:"id"`
	RefID     string  `json:"ref_id"`
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
	CreatedAt string  `json:"created_at"`
}

func artifactRecord(artifact domain.Artifact) exportArtifact {
	return exportArtifact{
		ID:        artifact.ID,
		RefID:     artifact.RefID,
		Source:    artifact.Source,
		Content:   artifact.Content,
		Relevance: artifact.Relevance,
		CreatedAt: fmtTime(artifact.CreatedAt),
	}
}

type exportCheck struct {
	ID             string   `json:"id"`
	PassID         string   `json:"pass_id,omitempty"`
	CandidateIndex int      `json:"candidate_index"`
	Name           string   `json:"name"`
	Kind           string   `json:"kind"`
	Status         string   `json:"status"`
	Score          *float64 `json:"score,omitempty"`
	Message        string   `json:"message,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
	CreatedAt      string   `json:"created_at"`
}

func checkRecord(check domain.Check) exportCheck {
	return exportCheck{
		ID:             check.ID,
		PassID:         check.PassID,
		CandidateIndex: check.CandidateIndex,
		Name:           check.Name,
		Kind:           check.Kind,
		Status:         check.Status,
		Score:          check.Score,
		Message:        check.Message,
		DurationMS:     check.DurationMS,
		CreatedAt:      fmtTime(check.CreatedAt),
	}
}

type exportEvent struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt string          `json:"emitted_at"`
}

func eventRecord(event domain.RunEvent) exportEvent {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return exportEvent{
		Seq:       event.Seq,
		Type:      event.Type,
		Payload:   payload,
		EmittedAt: fmtTime(event.EmittedAt),
	}
}

type exportLedger struct {
	ID           string  `json:"id"`
	PassID       string  `json:"pass_id,omitempty"`
	Period       string  `json:"period"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostAmount   float64 `json:"cost_amount"`
	RecordedAt   string  `json:"recorded_at"`
}

func ledgerRecord(entry domain.LedgerEntry) exportLedger {
	return exportLedger{
		ID:           entry.ID,
		PassID:       entry.PassID,
		Period:       entry.Period,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		CostAmount:   entry.CostAmount,
		RecordedAt:   fmtTime(entry.RecordedAt),
	}
}

type integrityRecord struct {
	SHA256  string `json:"sha256"`
	Records int    `json:"records"`
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}
