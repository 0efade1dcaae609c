// Package oracle fetches USD conversion rates and multi-day price movement
// factors from the external price aggregator.
//
// A source document looks like:
//
//	{"currency": "BTC", "aggregated_usd_price": 42000.5,
//	 "number_of_days": {"1": {"movement_factor": 1.02}, "7": {"movement_factor": 0.97}}}
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"overwatch/pkg/cache"
	"overwatch/pkg/logger"
)

// DefaultSourceURL is used when a bot has no price url configured.
const DefaultSourceURL = "https://price-aggregator.crypto-daio.co.uk/price"

// ErrUnavailable covers every failure to obtain a usable value.
var ErrUnavailable = errors.New("price oracle unavailable")

const maxBody = 1 << 20

// Movement maps a window in days to its movement factor.
type Movement map[int]float64

// Factor returns the factor for days, 1 when the window is absent.
func (m Movement) Factor(days int) float64 {
	if f, ok := m[days]; ok {
		return f
	}
	return 1
}

// Client queries the aggregator with a bounded timeout and a short-lived
// response cache keyed by (url, currency).
type Client struct {
	http  *http.Client
	cache *cache.TTLCache[[]byte]
	log   *logrus.Entry
	// Observe, when set, is told the outcome of every upstream fetch.
	Observe func(outcome string, d time.Duration)
}

// NewClient builds a client. cacheTTL <= 0 disables caching.
func NewClient(timeout, cacheTTL time.Duration, log logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		http: &http.Client{Timeout: timeout},
		log:  logger.Component(log, "oracle"),
	}
	if cacheTTL > 0 {
		c.cache = cache.NewTTLCache[[]byte](cacheTTL)
	}
	return c
}

// GetPrice returns the USD value of one unit of currency.
func (c *Client) GetPrice(ctx context.Context, sourceURL, currency string) (float64, error) {
	if strings.EqualFold(currency, "USD") {
		return 1, nil
	}
	body, err := c.fetch(ctx, sourceURL, currency)
	if err != nil {
		return 0, err
	}
	v := gjson.GetBytes(body, "aggregated_usd_price")
	if !v.Exists() || v.Float() <= 0 {
		return 0, fmt.Errorf("%w: no usd price for %s", ErrUnavailable, currency)
	}
	return v.Float(), nil
}

// GetMovement returns the movement factors for currency. The boolean is
// false when the oracle could not be reached or answered garbage; callers
// then treat every factor as 1.
func (c *Client) GetMovement(ctx context.Context, sourceURL, currency string) (Movement, bool) {
	body, err := c.fetch(ctx, sourceURL, currency)
	if err != nil {
		c.log.WithError(err).WithField("currency", currency).Debug("movement lookup failed")
		return Movement{}, false
	}
	days := gjson.GetBytes(body, "number_of_days")
	if !days.IsObject() {
		return Movement{}, false
	}
	out := Movement{}
	days.ForEach(func(key, value gjson.Result) bool {
		n, err := strconv.Atoi(key.String())
		if err != nil {
			return true
		}
		if f := value.Get("movement_factor"); f.Exists() {
			out[n] = f.Float()
		}
		return true
	})
	return out, true
}

func (c *Client) fetch(ctx context.Context, sourceURL, currency string) ([]byte, error) {
	if currency == "" {
		return nil, fmt.Errorf("%w: empty currency", ErrUnavailable)
	}
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	key := sourceURL + "|" + strings.ToUpper(currency)
	if c.cache != nil {
		if body, ok := c.cache.Get(key); ok {
			return body, nil
		}
	}

	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q: %v", ErrUnavailable, sourceURL, err)
	}
	q := u.Query()
	q.Set("currency", currency)
	u.RawQuery = q.Encode()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("transport_error", start)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.observe("bad_status", start)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		c.observe("transport_error", start)
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if !gjson.ValidBytes(body) {
		c.observe("malformed", start)
		return nil, fmt.Errorf("%w: malformed body", ErrUnavailable)
	}
	c.observe("ok", start)
	if c.cache != nil {
		c.cache.Set(key, body)
	}
	return body, nil
}

func (c *Client) observe(outcome string, start time.Time) {
	if c.Observe != nil {
		c.Observe(outcome, time.Since(start))
	}
}
