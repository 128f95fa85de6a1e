package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"afo/internal/policy"
	"afo/internal/types"
)

// FeedOptions configure a threat-feed poller.
type FeedOptions struct {
	SourceName string
	URL        string
	Interval   time.Duration // default 1h
	AgeMax     time.Duration // re-emit window per indicator, default 24h
	Client     *http.Client  // default 30s timeout
	Logger     *zap.Logger
}

// FeedPoller fetches a threat feed on an interval and emits feed-indicator
// events for each subject. The ETag of the last fetch short-circuits
// unchanged feeds, and an indicator seen within age_max is not re-emitted.
type FeedPoller struct {
	opts FeedOptions

	etag string
	seen map[string]time.Time // indicator -> last emit
}

// NewFeedPoller builds a poller.
func NewFeedPoller(opts FeedOptions) *FeedPoller {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.AgeMax <= 0 {
		opts.AgeMax = 24 * time.Hour
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &FeedPoller{opts: opts, seen: make(map[string]time.Time)}
}

// Name implements Source.
func (p *FeedPoller) Name() string { return p.opts.SourceName }

// Start implements Source. The first poll runs immediately.
func (p *FeedPoller) Start(ctx context.Context) (<-chan types.SecurityEvent, error) {
	out := make(chan types.SecurityEvent, 64)
	go func() {
		defer close(out)
		p.poll(ctx, out)
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx, out)
			}
		}
	}()
	return out, nil
}

func (p *FeedPoller) poll(ctx context.Context, out chan<- types.SecurityEvent) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		p.opts.Logger.Error("feed request build failed", zap.String("feed", p.opts.SourceName), zap.Error(err))
		return
	}
	if p.etag != "" {
		req.Header.Set("If-None-Match", p.etag)
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		p.opts.Logger.Warn("feed fetch failed", zap.String("feed", p.opts.SourceName), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		p.opts.Logger.Debug("feed unchanged", zap.String("feed", p.opts.SourceName))
		return
	}
	if resp.StatusCode != http.StatusOK {
		p.opts.Logger.Warn("feed returned non-200",
			zap.String("feed", p.opts.SourceName), zap.Int("status", resp.StatusCode))
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		p.opts.Logger.Warn("feed read failed", zap.String("feed", p.opts.SourceName), zap.Error(err))
		return
	}
	p.etag = resp.Header.Get("ETag")

	indicators := ParseIndicators(string(body))
	now := time.Now()
	emitted := 0
	for _, ind := range indicators {
		if last, ok := p.seen[ind]; ok && now.Sub(last) < p.opts.AgeMax {
			continue
		}
		p.seen[ind] = now
		prefix, err := policy.ParseSubject(ind)
		if err != nil {
			continue
		}
		ev := types.SecurityEvent{
			ID:         uuid.NewString(),
			SourceName: p.opts.SourceName,
			Kind:       types.EventFeedIndicator,
			Severity:   types.SeverityHigh,
			Target:     prefix.String(),
			ObservedAt: now,
			Raw:        ind,
		}
		if prefix.IsSingleIP() {
			ev.SourceIP = prefix.Addr()
		}
		select {
		case out <- ev:
			emitted++
		case <-ctx.Done():
			return
		}
	}
	p.pruneSeen(now)
	p.opts.Logger.Info("feed poll complete",
		zap.String("feed", p.opts.SourceName),
		zap.Int("indicators", len(indicators)),
		zap.Int("emitted", emitted))
}

func (p *FeedPoller) pruneSeen(now time.Time) {
	for ind, last := range p.seen {
		if now.Sub(last) >= p.opts.AgeMax {
			delete(p.seen, ind)
		}
	}
}

// ParseIndicators extracts IP/CIDR subjects from a feed body. JSON arrays
// of strings, CSV (first column), and plain line-per-indicator text are
// all accepted; comment lines start with #.
func ParseIndicators(body string) []string {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(body), &arr); err == nil {
			return arr
		}
		// arrays of objects carry the subject under "ip"
		var objs []struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal([]byte(body), &objs); err == nil {
			out := make([]string, 0, len(objs))
			for _, o := range objs {
				if o.IP != "" {
					out = append(out, o.IP)
				}
			}
			return out
		}
		return nil
	}
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if i := strings.IndexAny(line, ", \t"); i > 0 {
			line = line[:i]
		}
		out = append(out, line)
	}
	return out
}

// String renders the poller for status output.
func (p *FeedPoller) String() string {
	return fmt.Sprintf("feed %s (%s every %s)", p.opts.SourceName, p.opts.URL, p.opts.Interval)
}
