// Package services implements the remote catalog client used by the sync engine.
//
// # Catalog Client
//
// [CatalogClient] wraps two remote primitives per entity: a paginated, version-stamped
// listing endpoint and a per-record detail endpoint. Both answer with the same JSON envelope:
//
//	{"s": true, "d": <payload>, "sp": {"page": 1, "pageSize": 100, "pageCount": 3, "rowCount": 250}}
//
// [CatalogClient.ListAll] returns a [Listing], a lazy, non-restartable sequence that requests
// pages on demand with a delay between them. [CatalogClient.Source] binds the client to one
// [Endpoint] so the engine can treat every entity the same way.
//
// # Authentication
//
// Each scope (tenant/branch) carries its own credentials in the config. Scopes with
// client_id, client_secret and token_url use an OAuth2 client-credentials token source;
// others send their static token as a bearer token. When a signature secret is set every
// request carries X-Api-Timestamp and X-Api-Signature (base64 HMAC-SHA256 of the timestamp).
// The scope session id travels in X-Session-ID.
//
// All requests share one [rate.Limiter].
//
// # Error Handling
//
// Failures are typed so the retry combinator can decide with [IsTransient]:
//   - [TransientError] : timeouts, connection errors, HTTP 408/425/429/5xx, throttling envelopes
//   - [PermanentError] : other 4xx, empty or malformed bodies, envelopes reporting failure
package services
