// Package translate talks to the external natural-language-to-policy
// endpoint. The endpoint is advisory: its output is one input to the facade
// among several, and every consumer must keep working when it is down. The
// same endpoint doubles as the correlator's slow-path classifier.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"afo/internal/policy"
	"afo/internal/types"
)

// Translation is a draft rule produced from operator text, with the
// endpoint's own account of what it understood.
type Translation struct {
	Rule        policy.PolicyRule `json:"rule"`
	Explanation string            `json:"explanation"`
	Confidence  float64           `json:"confidence"`
}

// Translator converts operator text into a draft rule.
type Translator interface {
	Translate(ctx context.Context, text string) (Translation, error)
}

const maxResponseBytes = 1 << 20

// Options configures the Client.
type Options struct {
	URL     string
	Timeout time.Duration // default 15s
	Client  *http.Client
	Logger  *zap.Logger
}

// Client is an HTTP Translator and slow-path classifier.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{url: opts.URL, http: opts.Client, logger: opts.Logger}
}

type translateRequest struct {
	Task string `json:"task"`
	Text string `json:"text"`
}

// Translate posts the operator text and parses the draft rule. The returned
// rule is canonicalized but deliberately not validated here; the facade
// validates and attaches the verdict so the operator sees why a draft was
// rejected instead of a bare error.
func (c *Client) Translate(ctx context.Context, text string) (Translation, error) {
	var tr Translation
	if err := c.post(ctx, translateRequest{Task: "translate", Text: text}, &tr); err != nil {
		return Translation{}, err
	}
	tr.Rule.Canonicalize()
	return tr, nil
}

type classifyRequest struct {
	Task       string                 `json:"task"`
	Assessment types.ThreatAssessment `json:"assessment"`
}

type classifyResponse struct {
	Recommendation types.Recommendation `json:"recommendation"`
	Reason         string               `json:"reason"`
}

// Classify is the correlator's slow path for borderline assessments. Errors
// here degrade to the fast path at the caller; they are never fatal.
func (c *Client) Classify(ctx context.Context, a types.ThreatAssessment) (types.Recommendation, error) {
	var resp classifyResponse
	if err := c.post(ctx, classifyRequest{Task: "classify", Assessment: a}, &resp); err != nil {
		return "", err
	}
	switch resp.Recommendation {
	case types.RecommendBlockSubject, types.RecommendRateLimit, types.RecommendAlertOnly:
		return resp.Recommendation, nil
	default:
		return "", fmt.Errorf("classifier returned unknown recommendation %q", resp.Recommendation)
	}
}

func (c *Client) post(ctx context.Context, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("translator unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("translator returned %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode translator response: %w", err)
	}
	return nil
}
