package octopus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/runtime"
	httptransport "github.com/go-openapi/runtime/client"
	"github.com/go-openapi/strfmt"
	octopusapi "github.com/mgazza/go-octopus-energy/client"
	"github.com/mgazza/go-octopus-energy/client/electricity_meter_points"
	"github.com/mgazza/go-octopus-energy/client/gas_meter_points"
	"github.com/mgazza/go-octopus-energy/client/products"
	"github.com/mgazza/go-octopus-energy/models"

	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/logger"
	"github.com/yo8192/octo2influx/internal/retry"
)

// Octopus API constants
const (
	// DefaultPageSize keeps a page to about a week of half-hour slots
	DefaultPageSize = 336

	// TimeLayout is the period_from/period_to format: UTC, no offset suffix
	TimeLayout = "2006-01-02T15:04:05Z"

	// apiVersionPath prefixes every generated operation path
	apiVersionPath = "/v1"

	maxErrorBody = 512
)

// errMalformed marks responses that cannot be decoded; never retried
var errMalformed = errors.New("malformed API response")

// Retryable classifies errors returned by a single request. Server errors,
// rate limiting, timeouts and connection failures are transient.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errMalformed) {
		return false
	}
	var apiErr *runtime.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Hooks observe client activity, used for run metrics
type Hooks struct {
	OnPage  func()
	OnRetry func()
}

// Client performs authenticated, paginated requests against the Octopus API
type Client struct {
	api        *octopusapi.OctopusEnergyRESTAPI
	httpClient *http.Client
	root       *url.URL
	apiKey     string
	bearer     bool
	pageSize   int
	policy     retry.Policy
	hooks      Hooks
	logger     *logger.Logger
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPageSize sets the page_size query parameter
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithRetryPolicy replaces the retry policy derived from the config
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithBearerAuth sends the API key as a bearer token instead of basic auth
func WithBearerAuth() Option {
	return func(c *Client) { c.bearer = true }
}

// WithHooks installs activity callbacks
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// NewClient creates a new Octopus API client. The base URL is the API root;
// a trailing /v1 is optional.
func NewClient(cfg *config.Config, log *logger.Logger, opts ...Option) (*Client, error) {
	root, err := apiRoot(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		httpClient: &http.Client{Timeout: time.Duration(cfg.APITimeout) * time.Second},
		root:       root,
		apiKey:     cfg.OctopusAPIKey,
		pageSize:   DefaultPageSize,
		policy:     retry.NewPolicy(cfg.MaxRetries),
		logger:     log,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := httptransport.NewWithClient(root.Host, root.Path, []string{root.Scheme}, c.httpClient)
	if c.bearer {
		transport.DefaultAuthentication = httptransport.BearerToken(c.apiKey)
	} else {
		transport.DefaultAuthentication = httptransport.BasicAuth(c.apiKey, "")
	}
	c.api = octopusapi.New(transport, strfmt.Default)
	return c, nil
}

// apiRoot splits the version segment off a base URL
func apiRoot(baseURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q needs a scheme and a host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, apiVersionPath)
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// RatesURL returns the endpoint of one price type of a tariff
func (c *Client) RatesURL(t config.Tariff, priceType string) string {
	return c.root.JoinPath(apiVersionPath, "products", t.ProductCode,
		t.EnergyType+"-tariffs", t.TariffCode, priceType).String() + "/"
}

// Consumption streams the consumption of a meter over [from, to), oldest
// first, one page per call of fn
func (c *Client) Consumption(ctx context.Context, u config.Usage, from, to time.Time, fn func([]Consumption) error) error {
	what := fmt.Sprintf("%s consumption of %s/%s", u.EnergyType, u.MeterPoint, u.MeterSerial)
	list := c.consumptionPage(u, from, to)
	return paginate(ctx, c, what, func(ctx context.Context, page *int64) ([]Consumption, *strfmt.URI, error) {
		p, err := list(ctx, page)
		if err != nil {
			return nil, nil, err
		}
		rows := make([]Consumption, 0, len(p.Results))
		for _, r := range p.Results {
			if r != nil {
				rows = append(rows, consumptionFromModel(r))
			}
		}
		return rows, p.Next, nil
	}, fn)
}

// Rates streams the prices of a tariff over [from, to), one page per call
// of fn. The API returns the newest prices first.
func (c *Client) Rates(ctx context.Context, t config.Tariff, priceType string, from, to time.Time, fn func([]Rate) error) error {
	what := fmt.Sprintf("%s %s of %s", t.EnergyType, priceType, t.TariffCode)
	list := c.chargesPage(t, priceType, from, to)
	if list == nil {
		return paginate(ctx, c, what, c.rawRatesPage(t, priceType, from, to), fn)
	}
	return paginate(ctx, c, what, func(ctx context.Context, page *int64) ([]Rate, *strfmt.URI, error) {
		p, err := list(ctx, page)
		if err != nil {
			return nil, nil, err
		}
		rates := make([]Rate, 0, len(p.Results))
		for _, r := range p.Results {
			if r != nil {
				rates = append(rates, rateFromModel(r))
			}
		}
		return rates, p.Next, nil
	}, fn)
}

// AllRates collects every page of Rates
func (c *Client) AllRates(ctx context.Context, t config.Tariff, priceType string, from, to time.Time) ([]Rate, error) {
	var all []Rate
	err := c.Rates(ctx, t, priceType, from, to, func(rates []Rate) error {
		all = append(all, rates...)
		return nil
	})
	return all, err
}

// FormatTime renders t the way the API expects period bounds
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func period(t time.Time) *strfmt.DateTime {
	dt := strfmt.DateTime(t.UTC())
	return &dt
}

type consumptionLister func(ctx context.Context, page *int64) (*models.PaginatedConsumptionList, error)

func (c *Client) consumptionPage(u config.Usage, from, to time.Time) consumptionLister {
	size := int64(c.pageSize)
	orderBy := "period"
	timeout := c.httpClient.Timeout

	if u.EnergyType == config.EnergyGas {
		return func(ctx context.Context, page *int64) (*models.PaginatedConsumptionList, error) {
			params := gas_meter_points.NewListConsumptionForaGasMeterParams().
				WithContext(ctx).WithTimeout(timeout).
				WithMprn(u.MeterPoint).WithSerialNumber(u.MeterSerial).
				WithPeriodFrom(period(from)).WithPeriodTo(period(to)).
				WithOrderBy(&orderBy).WithPageSize(&size).WithPage(page)
			resp, err := c.api.GasMeterPoints.ListConsumptionForaGasMeter(params, nil)
			if err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
	}
	return func(ctx context.Context, page *int64) (*models.PaginatedConsumptionList, error) {
		params := electricity_meter_points.NewListConsumptionForAnElectricityMeterParams().
			WithContext(ctx).WithTimeout(timeout).
			WithMpan(u.MeterPoint).WithSerialNumber(u.MeterSerial).
			WithPeriodFrom(period(from)).WithPeriodTo(period(to)).
			WithOrderBy(&orderBy).WithPageSize(&size).WithPage(page)
		resp, err := c.api.ElectricityMeterPoints.ListConsumptionForAnElectricityMeter(params, nil)
		if err != nil {
			return nil, err
		}
		return resp.Payload, nil
	}
}

type chargesLister func(ctx context.Context, page *int64) (*models.PaginatedHistoricalChargeList, error)

// chargesPage returns the generated operation listing one price type of a
// tariff, or nil when the API client has none for it
func (c *Client) chargesPage(t config.Tariff, priceType string, from, to time.Time) chargesLister {
	size := int64(c.pageSize)
	timeout := c.httpClient.Timeout
	pf, pt := period(from), period(to)

	switch {
	case t.EnergyType == config.EnergyElectricity && priceType == PriceTypeStandardUnitRates:
		return func(ctx context.Context, page *int64) (*models.PaginatedHistoricalChargeList, error) {
			params := products.NewListElectricityTariffStandardUnitRatesParams().
				WithContext(ctx).WithTimeout(timeout).
				WithProductCode(t.ProductCode).WithTariffCode(t.TariffCode).
				WithPeriodFrom(pf).WithPeriodTo(pt).WithPageSize(&size).WithPage(page)
			resp, err := c.api.Products.ListElectricityTariffStandardUnitRates(params, nil)
			if err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
	case t.EnergyType == config.EnergyElectricity && priceType == PriceTypeStandingCharges:
		return func(ctx context.Context, page *int64) (*models.PaginatedHistoricalChargeList, error) {
			params := products.NewListElectricityTariffStandingChargesParams().
				WithContext(ctx).WithTimeout(timeout).
				WithProductCode(t.ProductCode).WithTariffCode(t.TariffCode).
				WithPeriodFrom(pf).WithPeriodTo(pt).WithPageSize(&size).WithPage(page)
			resp, err := c.api.Products.ListElectricityTariffStandingCharges(params, nil)
			if err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
	case t.EnergyType == config.EnergyElectricity && priceType == PriceTypeDayUnitRates:
		return func(ctx context.Context, page *int64) (*models.PaginatedHistoricalChargeList, error) {
			params := products.NewListElectricityTariffDayUnitRatesParams().
				WithContext(ctx).WithTimeout(timeout).
				WithProductCode(t.ProductCode).WithTariffCode(t.TariffCode).
				WithPeriodFrom(pf).WithPeriodTo(pt).WithPageSize(&size).WithPage(page)
			resp, err := c.api.Products.ListElectricityTariffDayUnitRates(params, nil)
			if err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
	case t.EnergyType == config.EnergyElectricity && priceType == PriceTypeNightUnitRates:
		return func(ctx context.Context, page *int64) (*models.PaginatedHistoricalChargeList, error) {
			params := products.NewListElectricityTariffNightUnitRatesParams().
				WithContext(ctx).WithTimeout(timeout).
				WithProductCode(t.ProductCode).WithTariffCode(t.TariffCode).
				WithPeriodFrom(pf).WithPeriodTo(pt).WithPageSize(&size).WithPage(page)
			resp, err := c.api.Products.ListElectricityTariffNightUnitRates(params, nil)
			if err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
	case t.EnergyType == config.EnergyGas && priceType == PriceTypeStandardUnitRates:
		return func(ctx context.Context, page *int64) (*models.PaginatedHistoricalChargeList, error) {
			params := products.NewListGasTariffStandardUnitRatesParams().
				WithContext(ctx).WithTimeout(timeout).
				WithProductCode(t.ProductCode).WithTariffCode(t.TariffCode).
				WithPeriodFrom(pf).WithPeriodTo(pt).WithPageSize(&size).WithPage(page)
			resp, err := c.api.Products.ListGasTariffStandardUnitRates(params, nil)
			if err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
	case t.EnergyType == config.EnergyGas && priceType == PriceTypeStandingCharges:
		return func(ctx context.Context, page *int64) (*models.PaginatedHistoricalChargeList, error) {
			params := products.NewListGasTariffStandingChargesParams().
				WithContext(ctx).WithTimeout(timeout).
				WithProductCode(t.ProductCode).WithTariffCode(t.TariffCode).
				WithPeriodFrom(pf).WithPeriodTo(pt).WithPageSize(&size).WithPage(page)
			resp, err := c.api.Products.ListGasTariffStandingCharges(params, nil)
			if err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
	}
	return nil
}

type pageFunc[T any] func(ctx context.Context, page *int64) ([]T, *strfmt.URI, error)

// paginate requests each page in turn, handing it to fn before asking for
// the next one
func paginate[T any](ctx context.Context, c *Client, what string, fetch pageFunc[T], fn func([]T) error) error {
	for pageNum := int64(1); ; {
		var page *int64
		if pageNum > 1 {
			page = &pageNum
		}

		var (
			rows []T
			next *strfmt.URI
		)
		err := retry.Do(ctx, c.policy, Retryable,
			func(err error, wait time.Duration, attempt int) {
				if c.hooks.OnRetry != nil {
					c.hooks.OnRetry()
				}
				c.logger.Warn("Octopus API request failed, will retry",
					"what", what, "page", pageNum, "attempt", attempt, "wait", wait.String(), "error", err)
			},
			func() error {
				var err error
				rows, next, err = fetch(ctx, page)
				return err
			})
		if err != nil {
			return fmt.Errorf("fetching page %d of %s: %w", pageNum, what, err)
		}
		if c.hooks.OnPage != nil {
			c.hooks.OnPage()
		}
		c.logger.Debug("Fetched Octopus API page", "what", what, "page", pageNum, "results", len(rows))

		if err := fn(rows); err != nil {
			return err
		}

		if next == nil || *next == "" {
			return nil
		}
		n, err := nextPage(next.String())
		if err != nil {
			return err
		}
		if n <= pageNum {
			return fmt.Errorf("%w: next page %d does not advance past %d", errMalformed, n, pageNum)
		}
		pageNum = n
	}
}

// nextPage extracts the page number from a "next" URL
func nextPage(next string) (int64, error) {
	u, err := url.Parse(next)
	if err != nil {
		return 0, fmt.Errorf("%w: next URL %q: %v", errMalformed, next, err)
	}
	n, err := strconv.ParseInt(u.Query().Get("page"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: next URL %q has no page number", errMalformed, next)
	}
	return n, nil
}

// rawRatesPage lists a price type the generated client has no operation
// for, such as gas day and night rates
func (c *Client) rawRatesPage(t config.Tariff, priceType string, from, to time.Time) pageFunc[Rate] {
	endpoint := c.RatesURL(t, priceType)
	return func(ctx context.Context, page *int64) ([]Rate, *strfmt.URI, error) {
		q := url.Values{}
		q.Set("period_from", FormatTime(from))
		q.Set("period_to", FormatTime(to))
		q.Set("page_size", strconv.Itoa(c.pageSize))
		if page != nil {
			q.Set("page", strconv.FormatInt(*page, 10))
		}

		var p struct {
			Next    *strfmt.URI `json:"next"`
			Results []Rate      `json:"results"`
		}
		if err := c.get(ctx, endpoint+"?"+q.Encode(), &p); err != nil {
			return nil, nil, err
		}
		return p.Results, p.Next, nil
	}
}

func (c *Client) get(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", runtime.JSONMime)
	if c.bearer {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else {
		req.SetBasicAuth(c.apiKey, "")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return runtime.NewAPIError("[GET "+req.URL.Path+"]", strings.TrimSpace(string(body)), resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func consumptionFromModel(m *models.Consumption) Consumption {
	c := Consumption{Consumption: m.Consumption}
	if m.IntervalStart != nil {
		c.IntervalStart = *m.IntervalStart
	}
	if m.IntervalEnd != nil {
		c.IntervalEnd = *m.IntervalEnd
	}
	return c
}

func rateFromModel(m *models.HistoricalCharge) Rate {
	return Rate{
		ValueExcVAT:   m.ValueExcVat,
		ValueIncVAT:   m.ValueIncVat,
		ValidFrom:     m.ValidFrom,
		ValidTo:       m.ValidTo,
		PaymentMethod: m.PaymentMethod,
	}
}
