// Package octopus is a small client for the Octopus Energy REST API
// (https://developer.octopus.energy/docs/api/), built on the generated
// github.com/mgazza/go-octopus-energy client.
//
// It covers the two list endpoints the sync needs:
//   - meter consumption: {base}/v1/{energy}-meter-points/{point}/meters/{serial}/consumption/
//   - tariff prices: {base}/v1/products/{product}/{energy}-tariffs/{tariff}/{price_type}/
//
// Price types without a generated operation (gas day and night rates, or
// any other configured name) are fetched with a plain GET on the same path.
//
// Requests authenticate with the API key as the basic-auth user name. Pages
// are followed through the "next" link and handed to a callback one at a
// time. Transient failures (5xx, 429, timeouts, connection errors) are
// retried with exponential backoff; other failures are returned at once and
// can be told apart with Retryable and *runtime.APIError.
package octopus
