// Package paths checks a host for commonly exposed files and directories.
package paths

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/network"
)

const Name = "paths"

// maxBody bounds how much of each response is read.
const maxBody = 32 << 10

// Soft 404 pages often echo the requested path, so lengths within this
// margin of the baseline are treated as the same page.
const lengthSlack = 64

// Report is the unit's fragment.
type Report struct {
	BaseURL      string    `json:"base_url"`
	Exposed      []Exposed `json:"exposed"`
	Checked      int       `json:"checked"`
	SoftNotFound bool      `json:"soft_not_found"`
}

// Exposed is a path that answered with content.
type Exposed struct {
	Path        string `json:"path"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Length      int    `json:"length"`
}

type Unit struct {
	client    *http.Client
	scheme    string
	paths     []string
	userAgent string
	rps       rate.Limit
	burst     int
	logger    *zap.Logger
}

func New(cfg config.PathsUnitConfig, logger *zap.Logger) *Unit {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger = logger.Named(Name)
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.Logger = logger
	return &Unit{
		client:    network.NewClient(clientCfg),
		scheme:    "https",
		paths:     append([]string(nil), cfg.Paths...),
		userAgent: cfg.UserAgent,
		rps:       rate.Limit(rps),
		burst:     burst,
		logger:    logger,
	}
}

func (u *Unit) Name() string { return Name }

type response struct {
	status      int
	contentType string
	body        []byte
}

// Run requests a random path first to learn how the host answers for
// missing content, then probes each configured path. Responses that mirror
// the baseline are not reported.
func (u *Unit) Run(ctx context.Context, target string, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// One limiter per run paces requests to this target only.
	limiter := rate.NewLimiter(u.rps, u.burst)
	base := fmt.Sprintf("%s://%s", u.scheme, target)
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	baseline, err := u.fetch(ctx, base+"/"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("baseline request failed: %w", err)
	}

	report := Report{
		BaseURL:      base,
		Exposed:      []Exposed{},
		SoftNotFound: baseline.status == http.StatusOK,
	}

	for _, p := range u.paths {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		resp, err := u.fetch(ctx, base+p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			u.logger.Debug("Path probe failed", zap.String("path", p), zap.Error(err))
			report.Checked++
			continue
		}
		report.Checked++
		if !isExposed(resp, baseline) {
			continue
		}
		report.Exposed = append(report.Exposed, Exposed{
			Path:        p,
			Status:      resp.status,
			ContentType: resp.contentType,
			Length:      len(resp.body),
		})
	}

	u.logger.Debug("Path probe finished", zap.String("base", base), zap.Int("exposed", len(report.Exposed)))
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(report)
}

func (u *Unit) fetch(ctx context.Context, url string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return response{}, err
	}
	if u.userAgent != "" {
		req.Header.Set("User-Agent", u.userAgent)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return response{}, err
	}
	return response{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

func isExposed(resp, baseline response) bool {
	if resp.status < 200 || resp.status >= 300 {
		return false
	}
	if baseline.status != resp.status {
		return true
	}
	diff := len(baseline.body) - len(resp.body)
	if diff < 0 {
		diff = -diff
	}
	return diff > lengthSlack
}
