package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"piiguard/internal/models"
	"piiguard/internal/pii"
)

// DatasetGetter resolves the dataset a job points at.
type DatasetGetter interface {
	GetDataset(ctx context.Context, datasetID string) (models.Dataset, error)
}

// Pipeline runs the four document-processing stages. Inputs and outputs are
// dataset artifacts; job rows never carry document content.
type Pipeline struct {
	artifacts ArtifactStore
	datasets  DatasetGetter
}

func NewPipeline(artifacts ArtifactStore, datasets DatasetGetter) *Pipeline {
	return &Pipeline{artifacts: artifacts, datasets: datasets}
}

func textKey(datasetID string) string     { return datasetID + "/text.txt" }
func findingsKey(datasetID string) string { return datasetID + "/findings.json" }
func anonKey(datasetID string) string     { return datasetID + "/anonymized.txt" }
func reportKey(datasetID string) string   { return datasetID + "/report.json" }
func policyKey(policyID string) string    { return "policies/" + policyID + ".json" }

// Handle dispatches one job to its stage. report publishes fractional
// progress and may be nil.
func (p *Pipeline) Handle(ctx context.Context, job models.Job, report func(float64)) error {
	if report == nil {
		report = func(float64) {}
	}
	switch job.Type {
	case models.TypeExtractText:
		return p.extractText(ctx, job, report)
	case models.TypeAnalyzePII:
		return p.analyzePII(ctx, job, report)
	case models.TypeAnonymize:
		return p.anonymize(ctx, job, report)
	case models.TypeGenerateReport:
		return p.generateReport(ctx, job)
	default:
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
}

func (p *Pipeline) extractText(ctx context.Context, job models.Job, report func(float64)) error {
	ds, err := p.datasets.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return fmt.Errorf("resolve dataset: %w", err)
	}
	if ds.ObjectKey == "" {
		return fmt.Errorf("dataset %s has no uploaded document", ds.ID)
	}

	raw, err := p.artifacts.Get(ctx, ds.ObjectKey)
	if err != nil {
		return err
	}
	report(0.5)

	var text string
	if isPDF(ds.ObjectKey, raw) {
		text, err = extractPDFText(raw)
		if err != nil {
			return fmt.Errorf("extract pdf text: %w", err)
		}
	} else {
		text = string(raw)
	}

	_, err = p.artifacts.Put(ctx, textKey(ds.ID), []byte(text), "text/plain; charset=utf-8")
	return err
}

func (p *Pipeline) analyzePII(ctx context.Context, job models.Job, report func(float64)) error {
	text, err := p.artifacts.Get(ctx, textKey(job.DatasetID))
	if err != nil {
		return fmt.Errorf("extracted text missing, run extraction first: %w", err)
	}
	report(0.5)

	findings := pii.Detect(string(text))
	payload, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	_, err = p.artifacts.Put(ctx, findingsKey(job.DatasetID), payload, "application/json")
	return err
}

func (p *Pipeline) anonymize(ctx context.Context, job models.Job, report func(float64)) error {
	text, err := p.artifacts.Get(ctx, textKey(job.DatasetID))
	if err != nil {
		return fmt.Errorf("extracted text missing, run extraction first: %w", err)
	}
	report(0.5)

	// Reuse stored findings when analysis already ran; detect inline
	// otherwise so anonymization works standalone.
	var findings []pii.Finding
	if raw, err := p.artifacts.Get(ctx, findingsKey(job.DatasetID)); err == nil {
		if err := json.Unmarshal(raw, &findings); err != nil {
			return fmt.Errorf("unmarshal findings: %w", err)
		}
	} else {
		findings = pii.Detect(string(text))
	}

	policy := pii.DefaultPolicy()
	if job.PolicyID != nil {
		raw, err := p.artifacts.Get(ctx, policyKey(*job.PolicyID))
		if err != nil {
			return fmt.Errorf("load policy %s: %w", *job.PolicyID, err)
		}
		if err := json.Unmarshal(raw, &policy); err != nil {
			return fmt.Errorf("unmarshal policy %s: %w", *job.PolicyID, err)
		}
	}

	out := pii.Anonymize(string(text), findings, policy)
	_, err = p.artifacts.Put(ctx, anonKey(job.DatasetID), []byte(out), "text/plain; charset=utf-8")
	return err
}

// Report summarizes analysis results for one dataset.
type Report struct {
	DatasetID   string             `json:"dataset_id"`
	JobID       string             `json:"job_id"`
	Total       int                `json:"total_findings"`
	ByEntity    map[pii.Entity]int `json:"by_entity"`
	GeneratedAt time.Time          `json:"generated_at"`
}

func (p *Pipeline) generateReport(ctx context.Context, job models.Job) error {
	raw, err := p.artifacts.Get(ctx, findingsKey(job.DatasetID))
	if err != nil {
		return fmt.Errorf("findings missing, run analysis first: %w", err)
	}
	var findings []pii.Finding
	if err := json.Unmarshal(raw, &findings); err != nil {
		return fmt.Errorf("unmarshal findings: %w", err)
	}

	report := Report{
		DatasetID:   job.DatasetID,
		JobID:       job.ID,
		Total:       len(findings),
		ByEntity:    make(map[pii.Entity]int),
		GeneratedAt: time.Now().UTC(),
	}
	for _, f := range findings {
		report.ByEntity[f.Entity]++
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = p.artifacts.Put(ctx, reportKey(job.DatasetID), payload, "application/json")
	return err
}

func isPDF(key string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(key), ".pdf") {
		return true
	}
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}
