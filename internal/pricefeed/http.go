package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

// HTTPFeed queries GET {base}/prices?symbols=A,B,C and expects
// {"prices":{"A":1.23,...}}. Large symbol sets are split into batches that
// are fetched concurrently.
type HTTPFeed struct {
	baseURL   string
	batchSize int
	timeout   time.Duration
	client    *fasthttp.Client
}

type pricesResponse struct {
	Prices map[string]float64 `json:"prices"`
}

func NewHTTPFeed(baseURL string, batchSize int, timeout time.Duration) *HTTPFeed {
	if batchSize <= 0 {
		batchSize = 50
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPFeed{
		baseURL:   strings.TrimRight(baseURL, "/"),
		batchSize: batchSize,
		timeout:   timeout,
		client: &fasthttp.Client{
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// Lookup returns every quote it managed to fetch. When some batches fail the
// successful ones are still returned together with the first error.
func (f *HTTPFeed) Lookup(ctx context.Context, symbols []string) (map[string]float64, error) {
	batches := chunk(dedupe(symbols), f.batchSize)

	var (
		mu  sync.Mutex
		out = make(map[string]float64, len(symbols))
		g   errgroup.Group
	)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			prices, err := f.fetch(ctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for k, v := range prices {
				out[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

func (f *HTTPFeed) fetch(ctx context.Context, symbols []string) (map[string]float64, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	req.SetRequestURI(f.baseURL + "/prices?" + q.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(f.timeout)
	}
	if err := f.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("price lookup: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("price lookup: status %d", resp.StatusCode())
	}

	var body pricesResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	return body.Prices, nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
