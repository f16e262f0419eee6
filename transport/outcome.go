package transport

import (
	"errors"

	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/transporterr"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	// outcomeRetryConn covers ConnectionError, TlsError, and
	// ConnectionTimeout-with-retry-enabled: connection-level failures that
	// always imply the node should be marked dead before the next
	// attempt (§4.1 step 4-5).
	outcomeRetryConn
	// outcomeRetryStatus is an HTTP response whose status is in
	// retry_on_status. The node is marked dead only if the status isn't
	// also in NOT_DEAD_NODE_HTTP_STATUSES (§4.1 step 5).
	outcomeRetryStatus
	// outcomeFatal is raised immediately: a non-retryable HTTP status, a
	// ConnectionTimeout with retry_on_timeout=false, or a request-side
	// validation/serialization failure. No node state is mutated (§4.1:
	// mark_dead only happens "if retrying").
	outcomeFatal
)

type outcome struct {
	kind   outcomeKind
	err    error
	status int
}

// classify implements §4.1 step 4: map a Node.PerformRequest result to a
// retry decision. retry_on_status is checked before ignore_status/success:
// a status present in both takes the retry path, and only the final
// attempt's response is returned to the caller (§8).
func (t *Transport) classify(method string, meta node.ResponseMeta, raw []byte, callErr error, retryOnStatus, ignoreStatus map[int]struct{}, retryOnTimeout bool) outcome {
	if callErr != nil {
		return classifyError(callErr, retryOnTimeout)
	}

	if _, retryable := retryOnStatus[meta.Status]; retryable {
		apiErr := t.newAPIError(method, meta, raw)
		return outcome{kind: outcomeRetryStatus, err: apiErr, status: meta.Status}
	}

	if isSuccessStatus(meta.Status, ignoreStatus) {
		return outcome{kind: outcomeSuccess, status: meta.Status}
	}

	apiErr := t.newAPIError(method, meta, raw)
	return outcome{kind: outcomeFatal, err: apiErr, status: meta.Status}
}

// newAPIError builds an ApiError whose Body is deserialized through the
// same serializer registry path as a successful response (§3/§7).
func (t *Transport) newAPIError(method string, meta node.ResponseMeta, raw []byte) *transporterr.Error {
	body, _ := t.decodeBody(method, meta, raw)
	return transporterr.NewAPIError(meta.Node.DisplayName(), meta.Status, body, meta.Headers)
}

func classifyError(err error, retryOnTimeout bool) outcome {
	var te *transporterr.Error
	if !errors.As(err, &te) {
		// Not a classified transporterr.Error at all (e.g. a context
		// cancellation that slipped through) — never retried.
		return outcome{kind: outcomeFatal, err: err}
	}

	switch te.Kind {
	case transporterr.KindConnectionTimeout:
		if retryOnTimeout {
			return outcome{kind: outcomeRetryConn, err: te}
		}
		return outcome{kind: outcomeFatal, err: te}
	case transporterr.KindConnectionError, transporterr.KindTLSError:
		return outcome{kind: outcomeRetryConn, err: te}
	default:
		// SerializationError/ValidationError from the backend (e.g. a
		// gzip encode failure): request-side, never retried.
		return outcome{kind: outcomeFatal, err: te}
	}
}

func isSuccessStatus(status int, ignoreStatus map[int]struct{}) bool {
	if status >= 200 && status < 300 {
		return true
	}
	_, ignored := ignoreStatus[status]
	return ignored
}
