package facade

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"afo/internal/backend"
	"afo/internal/policy"
	"afo/internal/store"
	"afo/internal/types"
)

// Client talks to a daemon's control socket. Methods mirror the facade
// operations one for one.
type Client struct {
	http *http.Client
}

// NewClient dials the unix socket at socketPath for every request.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// RemoteError is a typed error relayed from the daemon.
type RemoteError struct {
	Kind    string
	Message string
	Field   string
	Gate    string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://afo"+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &ae) != nil || ae.Message == "" {
			return &RemoteError{Kind: "http", Message: string(data), Status: resp.StatusCode}
		}
		return &RemoteError{Kind: ae.Kind, Message: ae.Message, Field: ae.Field, Gate: ae.Gate, Status: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Propose(ctx context.Context, req ProposeRequest) (store.Proposal, error) {
	var prop store.Proposal
	err := c.do(ctx, http.MethodPost, "/v1/proposals", proposeBody{
		Text:       req.Text,
		Rule:       req.Rule,
		Supersedes: req.Supersedes,
		By:         req.By,
	}, &prop)
	return prop, err
}

func (c *Client) ListProposals(ctx context.Context, state store.ProposalState) ([]store.Proposal, error) {
	path := "/v1/proposals"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var props []store.Proposal
	err := c.do(ctx, http.MethodGet, path, nil, &props)
	return props, err
}

func (c *Client) Approve(ctx context.Context, proposalID, by string) (string, error) {
	var out struct {
		DeploymentID string `json:"deployment_id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/proposals/"+url.PathEscape(proposalID)+"/approve",
		decisionBody{By: by}, &out)
	return out.DeploymentID, err
}

func (c *Client) Reject(ctx context.Context, proposalID, by, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/proposals/"+url.PathEscape(proposalID)+"/reject",
		decisionBody{By: by, Reason: reason}, nil)
}

func (c *Client) Commit(ctx context.Context, deploymentID string) error {
	return c.do(ctx, http.MethodPost, "/v1/deployments/"+url.PathEscape(deploymentID)+"/commit", nil, nil)
}

func (c *Client) Rollback(ctx context.Context, deploymentID, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/deployments/"+url.PathEscape(deploymentID)+"/rollback",
		decisionBody{Reason: reason}, nil)
}

func (c *Client) ListRules(ctx context.Context) ([]policy.PolicyRule, error) {
	var rules []policy.PolicyRule
	err := c.do(ctx, http.MethodGet, "/v1/rules", nil, &rules)
	return rules, err
}

func (c *Client) ImportRules(ctx context.Context) ([]policy.PolicyRule, backend.Verdict, error) {
	var out importResult
	if err := c.do(ctx, http.MethodPost, "/v1/rules/import", nil, &out); err != nil {
		return nil, backend.Verdict{}, err
	}
	return out.Rules, backend.Verdict{Valid: true, Warnings: out.Warnings}, nil
}

func (c *Client) DaemonStatus(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

func (c *Client) AutonomySetLevel(ctx context.Context, level types.AutonomyLevel, by string) error {
	return c.do(ctx, http.MethodPut, "/v1/autonomy/level", levelBody{Level: string(level), By: by}, nil)
}

func (c *Client) AutonomyResetBreaker(ctx context.Context, by string) error {
	return c.do(ctx, http.MethodPost, "/v1/autonomy/reset-breaker", decisionBody{By: by}, nil)
}

func (c *Client) NeverBlockAdd(ctx context.Context, entry, by string) error {
	return c.do(ctx, http.MethodPost, "/v1/never-block", neverBlockBody{Entry: entry, By: by}, nil)
}

func (c *Client) NeverBlockRemove(ctx context.Context, entry, by string) error {
	return c.do(ctx, http.MethodDelete, "/v1/never-block", neverBlockBody{Entry: entry, By: by}, nil)
}

func (c *Client) NeverBlockList(ctx context.Context) ([]types.NeverBlockEntry, error) {
	var entries []types.NeverBlockEntry
	err := c.do(ctx, http.MethodGet, "/v1/never-block", nil, &entries)
	return entries, err
}

// StreamEvents yields events since the given time until ctx ends or the
// daemon goes away. Pass the zero time for live-only.
func (c *Client) StreamEvents(ctx context.Context, since time.Time, fn func(types.SecurityEvent) error) error {
	path := "/v1/events"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.Format(time.RFC3339))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://afo"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return &RemoteError{Kind: "http", Message: string(data), Status: resp.StatusCode}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var ev types.SecurityEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("bad event frame: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sc.Err()
}
