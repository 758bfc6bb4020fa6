package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// URLResult is a cached reachability probe.
type URLResult struct {
	StatusCode int
	Reachable  bool
	Detail     string
}

// Describe formats the probe as an observation line.
func (r URLResult) Describe(target string) string {
	if r.Reachable {
		return fmt.Sprintf("%s is reachable (HTTP %d)", target, r.StatusCode)
	}
	return fmt.Sprintf("%s is NOT reachable: %s", target, r.Detail)
}

// VerifyURL probes an external endpoint and caches the result for the life
// of the sandbox, so repeated checks of the same dependency cost one probe.
// Only http and https schemes are allowed.
func (s *Sandbox) VerifyURL(ctx context.Context, target string) (URLResult, error) {
	target = strings.TrimSpace(target)

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return URLResult{}, violation("verify_url", target, "only http(s) URLs are allowed")
	}

	if cached, ok := s.urlCache.Get(target); ok {
		s.logger.Debug("URL probe cache hit: %s", target)
		return cached, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.URLTimeout)
	defer cancel()

	// HEAD first; some endpoints refuse it, so fall back to GET.
	result, err := s.probe(probeCtx, http.MethodHead, target)
	if err != nil {
		return URLResult{}, err
	}
	if !result.Reachable {
		result, err = s.probe(probeCtx, http.MethodGet, target)
		if err != nil {
			return URLResult{}, err
		}
	}

	s.urlCache.Add(target, result)
	return result, nil
}

func (s *Sandbox) probe(ctx context.Context, method, target string) (URLResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return URLResult{}, fmt.Errorf("build probe for %s: %w", target, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return URLResult{Detail: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := URLResult{
		StatusCode: resp.StatusCode,
		Reachable:  resp.StatusCode < 400,
	}
	if !result.Reachable {
		result.Detail = resp.Status
	}
	return result, nil
}
