// Package collateral fetches Intel PCS/PCCS attestation collateral — TCB
// info and certificate revocation lists — and adapts it into the shapes
// pkg/qvl's Options expects (CRLs/TCBHook). The
// library itself never talks to Intel's services; this package is the
// caller-side piece that does, following the same endpoint layout and
// retry/cache shape used elsewhere in the stack for PCCS access.
package collateral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/virtengine/attested-tunnel/pkg/qvl/pckchain"
)

const (
	// DefaultPCSBaseURL is Intel's public Provisioning Certification Service.
	DefaultPCSBaseURL = "https://api.trustedservices.intel.com/sgx/certification/v4"

	DefaultCacheTTL     = 24 * time.Hour
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultMaxRetries   = 3
	initialRetryDelay   = 100 * time.Millisecond
	maxRetryDelay       = 10 * time.Second
)

var (
	// ErrFetch wraps any failure to retrieve collateral from PCS/PCCS.
	ErrFetch = errors.New("collateral: fetch failed")

	// ErrTCBOutOfDate names a TCB level whose status indicates the platform
	// is not up to date. The hook built by TCBHook reports such a level by
	// returning false; no function in this package returns this error.
	ErrTCBOutOfDate = errors.New("collateral: TCB out of date")
)

// Config configures Client. NewClient fills every zero-valued field from
// DefaultConfig.
type Config struct {
	// BaseURL is the PCS (or a local PCCS mirror) base URL.
	BaseURL string
	// APIKey authenticates against Intel PCS; PCCS mirrors usually don't need one.
	APIKey string

	HTTPTimeout time.Duration
	CacheTTL    time.Duration
	MaxRetries  int

	// AllowOutOfDateTCB accepts an UpToDate-or-SWHardeningNeeded level as
	// well as OutOfDate ones; default false is strict (UpToDate only).
	AllowOutOfDateTCB bool
}

// DefaultConfig returns Intel's public PCS endpoint with conservative
// retry/cache defaults and a strict (UpToDate-only) TCB policy.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultPCSBaseURL,
		HTTPTimeout: DefaultHTTPTimeout,
		CacheTTL:    DefaultCacheTTL,
		MaxRetries:  DefaultMaxRetries,
	}
}

// tcbInfoDoc is the subset of Intel's TCBInfo JSON this client needs.
type tcbInfoDoc struct {
	TCBInfo struct {
		FMSPC     string `json:"fmspc"`
		TCBLevels []struct {
			TCBStatus string `json:"tcbStatus"`
		} `json:"tcbLevels"`
	} `json:"tcbInfo"`
}

// entry is one FMSPC's cached collateral.
type entry struct {
	fetchedAt time.Time
	tcbStatus string // status of the first (most current) TCB level
	rootCRL   pckchain.CRL
	pckCRL    pckchain.CRL
	haveCRLs  bool
}

// Client fetches and caches PCS/PCCS collateral per FMSPC.
type Client struct {
	cfg    Config
	http   *http.Client

	mu    sync.Mutex
	cache map[string]entry
}

// NewClient builds a Client. A zero-value Config field falls back to
// DefaultConfig's corresponding value.
func NewClient(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = d.HTTPTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.HTTPTimeout},
		cache: make(map[string]entry),
	}
}

// CRLs fetches (or returns cached) root and PCK Processor CA CRLs, parsed into
// the shape pkg/qvl/pckchain.Verify expects.
func (c *Client) CRLs(ctx context.Context) ([]pckchain.CRL, error) {
	c.mu.Lock()
	cached, ok := c.cache["__crls__"]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < c.cfg.CacheTTL && cached.haveCRLs {
		return []pckchain.CRL{cached.rootCRL, cached.pckCRL}, nil
	}

	rootDER, err := c.fetchCRLDER(ctx, "root")
	if err != nil {
		return nil, err
	}
	pckDER, err := c.fetchCRLDER(ctx, "processor")
	if err != nil {
		return nil, err
	}
	rootCRL, err := pckchain.ParseCRL(rootDER)
	if err != nil {
		return nil, fmt.Errorf("collateral: parsing root CRL: %w", err)
	}
	pckCRL, err := pckchain.ParseCRL(pckDER)
	if err != nil {
		return nil, fmt.Errorf("collateral: parsing PCK CRL: %w", err)
	}

	c.mu.Lock()
	c.cache["__crls__"] = entry{fetchedAt: time.Now(), rootCRL: rootCRL, pckCRL: pckCRL, haveCRLs: true}
	c.mu.Unlock()

	return []pckchain.CRL{rootCRL, pckCRL}, nil
}

// TCBHook builds a qvl.Options.TCBHook-shaped predicate (kept untyped here
// to avoid importing pkg/qvl/tcbpolicy, whose Hook already has this exact
// signature) backed by this client's cached TCBInfo lookups.
func (c *Client) TCBHook() func(fmspcHex string, quoteValue any) bool {
	return func(fmspcHex string, _ any) bool {
		status, err := c.tcbStatus(context.Background(), fmspcHex)
		if err != nil {
			return false
		}
		if status == "UpToDate" {
			return true
		}
		return c.cfg.AllowOutOfDateTCB && (status == "SWHardeningNeeded" || status == "OutOfDate")
	}
}

func (c *Client) tcbStatus(ctx context.Context, fmspcHex string) (string, error) {
	c.mu.Lock()
	cached, ok := c.cache[fmspcHex]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < c.cfg.CacheTTL {
		return cached.tcbStatus, nil
	}

	endpoint := fmt.Sprintf("%s/tcb?fmspc=%s", c.cfg.BaseURL, url.QueryEscape(fmspcHex))
	body, err := c.doRequestWithRetry(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: tcbinfo for fmspc %s: %w", ErrFetch, fmspcHex, err)
	}

	var doc tcbInfoDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("%w: decoding tcbinfo: %w", ErrFetch, err)
	}
	if len(doc.TCBInfo.TCBLevels) == 0 {
		return "", fmt.Errorf("%w: tcbinfo for %s has no levels", ErrFetch, fmspcHex)
	}
	status := doc.TCBInfo.TCBLevels[0].TCBStatus

	c.mu.Lock()
	c.cache[fmspcHex] = entry{fetchedAt: time.Now(), tcbStatus: status}
	c.mu.Unlock()

	return status, nil
}

func (c *Client) fetchCRLDER(ctx context.Context, ca string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/pckcrl?ca=%s&encoding=der", c.cfg.BaseURL, ca)
	body, err := c.doRequestWithRetry(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s CRL: %w", ErrFetch, ca, err)
	}
	return body, nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	delay := initialRetryDelay

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		body, err := c.doRequest(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(math.Min(float64(delay*2), float64(maxRetryDelay)))
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

// ClearCache drops all cached collateral, forcing the next lookup to refetch.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]entry)
}
