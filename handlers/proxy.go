package handlers

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/andesco/sieve/pkg/fetch"
	"github.com/andesco/sieve/pkg/rewrite"
	"github.com/andesco/sieve/pkg/ruleset"
)

// ProxyPath is where the proxy is mounted and where rewritten links point.
const ProxyPath = "/proxy"

var (
	errMissingURL    = errors.New("missing url parameter")
	errInvalidURL    = errors.New("invalid url parameter")
	errDomainBlocked = errors.New("domain not allowed")
)

// Config wires the proxy handler to its collaborators.
type Config struct {
	Fetcher *fetch.Fetcher
	Rules   ruleset.RuleSet
	Limits  rewrite.Limits
	// AllowedDomains restricts targets to these hosts and their subdomains when non-empty.
	AllowedDomains []string
	LogURLs        bool
	Logger         zerolog.Logger
	Metrics        *Metrics
}

type proxy struct {
	fetcher        *fetch.Fetcher
	rules          ruleset.RuleSet
	base           *rewrite.Rewriter
	byRule         []*rewrite.Rewriter
	allowedDomains []string
	logURLs        bool
	log            zerolog.Logger
	metrics        *Metrics
}

// ProxySite returns the handler for GET /proxy?url=<target>. It fetches the
// target, strips likely ads, routes links and images back through ProxyPath
// and replies with the rewritten HTML.
//
// Error responses carry an empty body: 400 for a missing or unusable url,
// 502 when the upstream cannot be fetched, 500 when the page exceeds a
// resource limit or rewriting fails. The fetch runs under the request's user
// context, which NewApp ties to the server's lifetime.
func ProxySite(cfg Config) (fiber.Handler, error) {
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(nil)
	}

	p := &proxy{
		fetcher:        cfg.Fetcher,
		rules:          cfg.Rules,
		base:           rewrite.Default(ProxyPath, cfg.Limits),
		allowedDomains: cfg.AllowedDomains,
		logURLs:        cfg.LogURLs,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}
	for i, rule := range cfg.Rules {
		rw := p.base.Clone()
		if err := rule.Register(rw, ProxyPath); err != nil {
			return nil, fmt.Errorf("ruleset rule %d (%v): %w", i, rule.AllDomains(), err)
		}
		p.byRule = append(p.byRule, rw)
	}

	return p.handle, nil
}

func (p *proxy) handle(c *fiber.Ctx) error {
	target, err := extractURL(c)
	if err != nil {
		return p.fail(c, fiber.StatusBadRequest, target, err)
	}
	u, err := p.validate(target)
	if err != nil {
		return p.fail(c, fiber.StatusBadRequest, target, err)
	}
	if p.logURLs {
		p.log.Info().Str("url", target).Msg("Proxying")
	}

	start := time.Now()
	body, err := p.fetcher.Fetch(c.UserContext(), target)
	p.metrics.observeFetch(time.Since(start))
	switch {
	case errors.Is(err, fetch.ErrBodyTooLarge):
		return p.fail(c, fiber.StatusInternalServerError, target, err)
	case err != nil:
		return p.fail(c, fiber.StatusBadGateway, target, err)
	}

	out, stats, err := p.rewriterFor(u).RewriteString(body)
	if err != nil {
		return p.fail(c, fiber.StatusInternalServerError, target, err)
	}
	p.metrics.observeRewrite(stats)
	p.metrics.observeStatus(fiber.StatusOK)

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(out)
}

func (p *proxy) fail(c *fiber.Ctx, status int, target string, err error) error {
	p.metrics.observeStatus(status)

	ev := p.log.Warn()
	if status >= fiber.StatusInternalServerError {
		ev = p.log.Error()
	}
	var se *fetch.StatusError
	if errors.As(err, &se) {
		ev = ev.Int("upstream_status", se.StatusCode)
	}
	ev.Err(err).Str("url", target).Int("status", status).Msg("Proxy request failed")

	c.Status(status)
	return nil
}

func (p *proxy) validate(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", errInvalidURL, target)
	}
	if len(p.allowedDomains) > 0 && !domainAllowed(u.Hostname(), p.allowedDomains) {
		return nil, fmt.Errorf("%w: %s", errDomainBlocked, u.Hostname())
	}
	return u, nil
}

func (p *proxy) rewriterFor(u *url.URL) *rewrite.Rewriter {
	if i, ok := p.rules.Match(u.Hostname(), u.Path); ok {
		return p.byRule[i]
	}
	return p.base
}

// extractURL reads the url query parameter. Rewritten links embed their
// target verbatim, so a target carrying its own query string arrives split
// into several parameters; when the url value already contains '?' the
// parameters following it are joined back onto the target.
func extractURL(c *fiber.Ctx) (string, error) {
	var (
		target string
		found  bool
		rest   []string
	)
	for _, pair := range strings.Split(string(c.Request().URI().QueryString()), "&") {
		if found {
			rest = append(rest, pair)
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if key != "url" {
			continue
		}
		found = true
		if unescaped, err := url.QueryUnescape(value); err == nil {
			value = unescaped
		}
		target = value
	}

	if target == "" {
		return "", errMissingURL
	}
	if len(rest) > 0 && strings.Contains(target, "?") {
		target += "&" + strings.Join(rest, "&")
	}
	return target, nil
}

func domainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
