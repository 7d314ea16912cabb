// Package payjoin implements the sender and receiver protocol logic of
// BIP 78 payjoin and its BIP 77 store-and-forward variant. The package
// itself never performs I/O: it prepares opaque requests and consumes
// response bodies, leaving the network to the caller.
package payjoin

import (
	"fmt"
	"net/url"
)

// Protocol versions negotiated between sender and receiver.
const (
	V1 = 1
	V2 = 2
)

// Content types used on the wire.
const (
	V1ContentType       = "text/plain"
	OhttpReqContentType = "message/ohttp-req"
	OhttpResContentType = "message/ohttp-res"
)

// Request is a fully prepared protocol message. The caller owns the
// actual HTTP round trip; the paired response context validates and
// decodes whatever comes back.
type Request struct {
	URL         *url.URL
	ContentType string
	Body        []byte
}

// TransportError reports a non-success status from the directory or
// relay. It is retryable by extracting a fresh request, unlike a
// protocol rejection.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("unexpected response status %d: %s", e.Status, e.Body)
}
