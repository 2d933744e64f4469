// Package api provides the upstream OneBot HTTP client used as an action executor.
//
// An action is sent to {base}/{action}{suffix}, where the suffix follows the
// call mode:
//   - sync: no suffix
//   - async: _async
//   - rate_limited: _rate_limited
//
// Params travel as a JSON body, a urlencoded form, or a GET query string.
// The upstream {status, retcode, data} reply is passed through unchanged.
// Requests are never retried.
package api
