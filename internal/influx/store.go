package influx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	apihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/logger"
	"github.com/yo8192/octo2influx/internal/retry"
)

var (
	// ErrWriteFailed is returned once a batch could not be written after retries
	ErrWriteFailed = errors.New("influxdb write failed")

	// ErrQueryFailed is returned when the last timestamp of a series cannot be read
	ErrQueryFailed = errors.New("influxdb query failed")
)

// Hooks observe store activity, used for run metrics
type Hooks struct {
	OnRetry func()
}

// Store writes points to one InfluxDB 2.x bucket and reads back the latest
// timestamp of a series
type Store struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	queryAPI  api.QueryAPI
	bucket    string
	batchSize int
	policy    retry.Policy
	hooks     Hooks
	logger    *logger.Logger
}

// Option customises a Store
type Option func(*Store)

// WithRetryPolicy replaces the retry policy derived from the config
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithHooks installs activity callbacks
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

// NewStore creates a Store for the configured InfluxDB instance
func NewStore(cfg *config.Config, log *logger.Logger, opts ...Option) *Store {
	options := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.APITimeout)).
		SetBatchSize(uint(cfg.BatchSize))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxAPIToken, options)

	s := &Store{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		queryAPI:  client.QueryAPI(cfg.InfluxOrg),
		bucket:    cfg.InfluxBucket,
		batchSize: cfg.BatchSize,
		policy:    retry.NewPolicy(cfg.MaxRetries),
		logger:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the client's resources
func (s *Store) Close() {
	s.client.Close()
}

// Write sends points in batches, in order. Each batch is retried on
// failure; when retries run out the error wraps ErrWriteFailed and later
// batches are not attempted. Rewriting a batch is harmless since InfluxDB
// replaces points with the same measurement, tags and timestamp.
func (s *Store) Write(ctx context.Context, points []*write.Point) error {
	for start := 0; start < len(points); start += s.batchSize {
		end := start + s.batchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]

		err := retry.Do(ctx, s.policy, retryableWrite,
			func(err error, wait time.Duration, attempt int) {
				if s.hooks.OnRetry != nil {
					s.hooks.OnRetry()
				}
				s.logger.Warn("InfluxDB write failed, will retry",
					"bucket", s.bucket, "points", len(batch), "attempt", attempt, "wait", wait.String(), "error", err)
			},
			func() error {
				return s.writeAPI.WritePoint(ctx, batch...)
			})
		if err != nil {
			return fmt.Errorf("%w: %d points to bucket %s: %v", ErrWriteFailed, len(batch), s.bucket, err)
		}
	}
	return nil
}

// LastTimestamp returns the time of the most recent point of measurement
// carrying all of tags, looking no further back than since
func (s *Store) LastTimestamp(ctx context.Context, measurement string, tags map[string]string, since time.Time) (time.Time, bool, error) {
	query := LastTimestampQuery(s.bucket, measurement, tags, since)
	s.logger.Debug("Querying last timestamp", "measurement", measurement, "tags", tags, "since", since)

	var (
		last  time.Time
		found bool
	)
	err := retry.Do(ctx, s.policy, retryableQuery,
		func(err error, wait time.Duration, attempt int) {
			if s.hooks.OnRetry != nil {
				s.hooks.OnRetry()
			}
			s.logger.Warn("InfluxDB query failed, will retry", "attempt", attempt, "wait", wait.String(), "error", err)
		},
		func() error {
			last, found = time.Time{}, false
			result, err := s.queryAPI.Query(ctx, query)
			if err != nil {
				return err
			}
			defer result.Close()
			for result.Next() {
				t := result.Record().Time()
				if !found || t.After(last) {
					last, found = t, true
				}
			}
			return result.Err()
		})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: last timestamp of %s %v: %v", ErrQueryFailed, measurement, tags, err)
	}
	return last, found, nil
}

// LastTimestampQuery builds the Flux query behind LastTimestamp
func LastTimestampQuery(bucket, measurement string, tags map[string]string, since time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s)\n", since.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[\"_measurement\"] == %s)\n", fluxString(measurement))

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r[%s] == %s)\n", fluxString(k), fluxString(tags[k]))
	}

	b.WriteString("  |> keep(columns: [\"_time\"])\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: false)\n")
	b.WriteString("  |> last(column: \"_time\")\n")
	return b.String()
}

func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)
	return `"` + r.Replace(s) + `"`
}

// retryableWrite retries everything but client errors the server will keep
// rejecting (bad line protocol, auth) and cancellation
func retryableWrite(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var herr *apihttp.Error
	if errors.As(err, &herr) && herr.StatusCode >= 400 && herr.StatusCode < 500 && herr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}

func retryableQuery(err error) bool {
	return retryableWrite(err)
}
