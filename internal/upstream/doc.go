// Package upstream is the client for the third-party service-desk API.
//
// It covers three concerns:
//
//   - Client: a thin REST client for record CRUD, filtered list queries,
//     entity templates, and reference-value listings.
//   - TokenManager: bearer-token lifecycle with proactive refresh and
//     single-flight acquisition, so concurrent callers never trigger
//     more than one login request.
//   - Typed errors (APIError, NetworkError, credential sentinels) so
//     callers can choose between retrying, re-authenticating once, or
//     surfacing the failure.
package upstream
