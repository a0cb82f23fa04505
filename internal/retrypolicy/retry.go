// Package retrypolicy decides whether a failed in-flight request is safe
// to replay on a fresh connection.
//
// The rule is the same one net/http's own transport applies in
// persistConn.shouldRetryRequest: only retry a request whose method is
// idempotent and whose body can be replayed byte-for-byte. Which slot a
// retry ends up on is the dispatcher's concern; this package only answers
// "is it safe at all".
package retrypolicy

import "net/http"

// idempotentMethods are the methods RFC 7231 §4.2.2 defines as
// idempotent and that we consider safe to resend verbatim.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodTrace:   true,
}

// IsIdempotent reports whether method is safe to resend without side
// effects beyond the first attempt.
func IsIdempotent(method string) bool {
	if method == "" {
		return true // http.Request zero value defaults to GET
	}
	return idempotentMethods[method]
}

// IsReplayable reports whether req's body (if any) can be sent again
// exactly as it was the first time.
//
// A nil body, or http.NoBody, is trivially replayable.
// A body with GetBody set can be restarted from byte zero. Bodies
// without GetBody cannot be proven replayable, since the first attempt
// may have already consumed part of the stream.
func IsReplayable(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	return req.GetBody != nil
}

// CanBeRetried implements RequestContext.canBeRetried: retriesLeft > 0
// AND the request is idempotent by method AND has a replayable entity.
func CanBeRetried(req *http.Request, retriesLeft int) bool {
	if retriesLeft <= 0 {
		return false
	}
	return IsIdempotent(req.Method) && IsReplayable(req)
}

// NothingWritten is the retry check for a transport failure that occurred
// before any request bytes reached the wire, after persist_conn.go's
// nothingWrittenError special case: such a failure is safe to retry even
// for a non-idempotent method or a non-replayable body, because the
// server cannot have acted on a request it never received. It only
// checks the retry budget (retriesLeft > 0); it does not inspect the
// failure, so it cannot tell whether any bytes were written.
// CanBeRetried does not call it.
func NothingWritten(retriesLeft int) bool {
	return retriesLeft > 0
}
