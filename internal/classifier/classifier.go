// Package classifier turns the aggregated scanner document into findings,
// technologies and a risk summary using a language model.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/llmutil"
	"github.com/xkilldash9x/hostaudit/internal/metrics"
)

// Placeholder summaries used when the model's analysis is missing.
const (
	UnavailableSummary = "AI analysis unavailable; raw scanner results are available."
	MalformedSummary   = "AI analysis could not be parsed; raw scanner results are available."
)

// Classifier is the adapter between the scan pipeline and the LLM.
type Classifier struct {
	logger *zap.Logger
	client schemas.LLMClient
	cfg    config.ClassifierConfig
	now    func() time.Time
}

// New creates a Classifier backed by client.
func New(logger *zap.Logger, client schemas.LLMClient, cfg config.ClassifierConfig) *Classifier {
	return &Classifier{
		logger: logger.Named("classifier"),
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

// reply mirrors the JSON the model is instructed to return. Every scalar is a
// pointer because the model is free to send null for any of them.
type reply struct {
	Summary      *string        `json:"summary"`
	MainCategory *string        `json:"main_category"`
	OverallRisk  *string        `json:"overall_risk"`
	Notes        *string        `json:"notes"`
	Findings     []replyFinding `json:"findings"`
	Technologies []replyTech    `json:"technologies"`
}

type replyFinding struct {
	Type           *string `json:"type"`
	Category       *string `json:"category"`
	Description    *string `json:"description"`
	Severity       *string `json:"severity"`
	Evidence       *string `json:"evidence"`
	Recommendation *string `json:"recommendation"`
}

type replyTech struct {
	Name        *string `json:"name"`
	Version     *string `json:"version"`
	Category    *string `json:"category"`
	Description *string `json:"description"`
}

// Classify asks the model to assess the canonical document for target.
//
// The returned Classification is always usable. When the model cannot be
// reached or its reply cannot be parsed the result is degraded: no findings,
// no technologies, no AI summary, and a fixed placeholder summary. The error
// then wraps ErrClassifierUnavailable or ErrClassifierMalformedResponse so the
// caller can record why; it is not meant to fail the scan.
func (c *Classifier) Classify(ctx context.Context, target string, doc json.RawMessage) (schemas.Classification, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req := schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildUserPrompt(target, doc),
		Tier:         c.tier(),
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxOutputTokens,
		},
	}

	start := time.Now()
	response, err := c.client.Generate(ctx, req)
	if err != nil {
		metrics.ClassifierOutcomesTotal.WithLabelValues(metrics.ClassifierUnavailable).Inc()
		c.logger.Warn("Classifier unavailable, continuing without AI analysis.",
			zap.String("target", target), zap.Error(err))
		return degraded(UnavailableSummary), fmt.Errorf("%w: %v", schemas.ErrClassifierUnavailable, err)
	}

	parsed, err := parseReply(response)
	if err != nil {
		return c.malformed(target, response, err)
	}

	result := c.normalize(parsed)
	if result.Summary == "" && len(result.Findings) == 0 && len(result.Technologies) == 0 {
		return c.malformed(target, response, errors.New("classifier reply carries no analysis"))
	}
	metrics.ClassifierOutcomesTotal.WithLabelValues(metrics.ClassifierOK).Inc()
	c.logger.Info("Classification complete.",
		zap.String("target", target),
		zap.Int("findings", len(result.Findings)),
		zap.Int("technologies", len(result.Technologies)),
		zap.String("overall_risk", string(result.AISummary.OverallRisk)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (c *Classifier) tier() schemas.ModelTier {
	if schemas.ModelTier(c.cfg.Tier) == schemas.TierFast {
		return schemas.TierFast
	}
	return schemas.TierPowerful
}

func (c *Classifier) malformed(target, response string, err error) (schemas.Classification, error) {
	metrics.ClassifierOutcomesTotal.WithLabelValues(metrics.ClassifierMalformed).Inc()
	c.logger.Warn("Classifier reply could not be parsed.",
		zap.String("target", target), zap.Error(err), zap.Int("response_length", len(response)))
	return degraded(MalformedSummary), fmt.Errorf("%w: %v", schemas.ErrClassifierMalformedResponse, err)
}

func degraded(summary string) schemas.Classification {
	return schemas.Classification{
		Summary:      summary,
		Findings:     []schemas.Finding{},
		Technologies: []schemas.Technology{},
		Degraded:     true,
	}
}

// parseReply repairs and decodes the model's text.
func parseReply(response string) (*reply, error) {
	if strings.TrimSpace(response) == "" {
		return nil, errors.New("empty classifier response")
	}
	r, err := llmutil.ParseJSONResponse[*reply](response)
	if err != nil {
		return nil, err
	}
	if *r == nil {
		return nil, errors.New("classifier response is null")
	}
	return *r, nil
}

// normalize converts the loosely typed reply into domain values. Counts are
// recomputed from the findings and never taken from the model.
func (c *Classifier) normalize(r *reply) schemas.Classification {
	now := c.now().UTC()

	findings := make([]schemas.Finding, 0, len(r.Findings))
	for _, f := range r.Findings {
		kind := deref(f.Type)
		if kind == "" {
			kind = deref(f.Category)
		}
		desc := deref(f.Description)
		if kind == "" && desc == "" {
			continue
		}
		findings = append(findings, schemas.Finding{
			Type:           kind,
			Description:    desc,
			Severity:       c.severity(deref(f.Severity), "finding"),
			Evidence:       deref(f.Evidence),
			Recommendation: deref(f.Recommendation),
			CreatedAt:      now,
		})
	}

	technologies := make([]schemas.Technology, 0, len(r.Technologies))
	for _, t := range r.Technologies {
		name := deref(t.Name)
		if name == "" {
			continue
		}
		var version *string
		if v := deref(t.Version); v != "" {
			version = &v
		}
		technologies = append(technologies, schemas.Technology{
			Name:        name,
			Version:     version,
			Category:    deref(t.Category),
			Description: deref(t.Description),
		})
	}

	var risk schemas.Severity
	if label := deref(r.OverallRisk); label != "" {
		risk = c.severity(label, "overall_risk")
	} else {
		risk = schemas.SeverityInformational
		for _, f := range findings {
			risk = schemas.MaxSeverity(risk, f.Severity)
		}
	}

	summary := deref(r.Summary)
	return schemas.Classification{
		Summary:      summary,
		Findings:     findings,
		Technologies: technologies,
		AISummary: &schemas.AISummary{
			Summary:      summary,
			MainCategory: deref(r.MainCategory),
			OverallRisk:  risk,
			Counts:       schemas.CountSeverities(findings),
			Notes:        deref(r.Notes),
			CreatedAt:    now,
		},
	}
}

// severity maps a label onto the enumeration. Unknown labels fail closed to
// Informational.
func (c *Classifier) severity(label, field string) schemas.Severity {
	s, ok := schemas.ParseSeverity(label)
	if !ok {
		c.logger.Warn("Unrecognized severity label, defaulting to informational.",
			zap.String("label", label), zap.String("field", field))
	}
	return s
}

// deref also drops NUL bytes, which Postgres text columns reject.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(*s, "\x00", ""))
}
