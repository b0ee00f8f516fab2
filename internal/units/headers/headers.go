// Package headers inspects the HTTP security headers a host sends.
package headers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/network"
)

// Name keys this unit in the aggregated document.
const Name = "headers"

// MinHstsMaxAge is the minimum acceptable HSTS max-age (6 months in seconds).
const MinHstsMaxAge = 15552000

var regexMaxAge = regexp.MustCompile(`(?i)max-age=(\d+)`)

// securityHeaders are reported as missing when absent.
var securityHeaders = []string{
	"Content-Security-Policy",
	"Strict-Transport-Security",
	"X-Content-Type-Options",
	"X-Frame-Options",
	"Referrer-Policy",
	"Permissions-Policy",
}

// disclosureHeaders leak implementation details when present.
var disclosureHeaders = []string{"Server", "X-Powered-By", "X-AspNet-Version", "X-Generator"}

// Report is the unit's fragment.
type Report struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Present    map[string]string `json:"present"`
	Missing    []string          `json:"missing"`
	Weak       []Weakness        `json:"weak,omitempty"`
	Disclosure map[string]string `json:"disclosure,omitempty"`
}

// Weakness is a header that is present but misconfigured.
type Weakness struct {
	Header string `json:"header"`
	Value  string `json:"value"`
	Issue  string `json:"issue"`
}

// Unit fetches the target's root page and evaluates its response headers.
type Unit struct {
	client    *http.Client
	scheme    string
	userAgent string
	logger    *zap.Logger
}

// New creates the headers unit.
func New(cfg config.HeadersUnitConfig, logger *zap.Logger) *Unit {
	logger = logger.Named(Name)
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.FollowRedirects = true
	clientCfg.Logger = logger
	return &Unit{
		client:    network.NewClient(clientCfg),
		scheme:    "https",
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

func (u *Unit) Name() string { return Name }

// Run performs one GET against the target root.
func (u *Unit) Run(ctx context.Context, target string, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s://%s/", u.scheme, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if u.userAgent != "" {
		req.Header.Set("User-Agent", u.userAgent)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	report := Evaluate(resp.Header, strings.EqualFold(resp.Request.URL.Scheme, "https"))
	report.URL = resp.Request.URL.String()
	report.StatusCode = resp.StatusCode
	u.logger.Debug("Headers evaluated", zap.String("url", report.URL), zap.Int("missing", len(report.Missing)))

	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(report)
}

// Evaluate checks headers against the expected security headers. HSTS is
// only required over HTTPS.
func Evaluate(h http.Header, https bool) Report {
	report := Report{
		Present: map[string]string{},
		Missing: []string{},
	}
	csp := strings.Join(h.Values("Content-Security-Policy"), ", ")

	for _, name := range securityHeaders {
		value := strings.Join(h.Values(name), ", ")
		if value != "" {
			report.Present[strings.ToLower(name)] = value
			continue
		}
		switch name {
		case "Strict-Transport-Security":
			if !https {
				continue
			}
		case "X-Frame-Options":
			// CSP frame-ancestors supersedes X-Frame-Options.
			if strings.Contains(strings.ToLower(csp), "frame-ancestors") {
				continue
			}
		case "Permissions-Policy":
			if h.Get("Feature-Policy") != "" {
				continue
			}
		}
		report.Missing = append(report.Missing, strings.ToLower(name))
	}

	if v := report.Present["strict-transport-security"]; v != "" {
		if w, ok := checkHSTS(v); !ok {
			report.Weak = append(report.Weak, w)
		}
	}
	if v := report.Present["x-content-type-options"]; v != "" && !strings.EqualFold(strings.TrimSpace(v), "nosniff") {
		report.Weak = append(report.Weak, Weakness{Header: "x-content-type-options", Value: v, Issue: "value should be nosniff"})
	}

	for _, name := range disclosureHeaders {
		if v := h.Get(name); v != "" {
			if report.Disclosure == nil {
				report.Disclosure = map[string]string{}
			}
			report.Disclosure[strings.ToLower(name)] = v
		}
	}
	return report
}

func checkHSTS(value string) (Weakness, bool) {
	matches := regexMaxAge.FindStringSubmatch(value)
	if len(matches) < 2 {
		return Weakness{Header: "strict-transport-security", Value: value, Issue: "max-age directive missing"}, false
	}
	maxAge, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil || maxAge < MinHstsMaxAge {
		return Weakness{
			Header: "strict-transport-security",
			Value:  value,
			Issue:  fmt.Sprintf("max-age below %d seconds", MinHstsMaxAge),
		}, false
	}
	return Weakness{}, true
}
