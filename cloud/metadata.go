package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/scylladb/scylla-go-driver/transport"
)

// HTTPErrorKind enumerates the "HTTP client" failure prefix of §7,
// distinct from the driver's own LibraryErrorKind since these originate
// from the metadata service's HTTP transport, not the CQL wire protocol.
type HTTPErrorKind string

const (
	HTTPOk         HTTPErrorKind = "OK"
	HTTPCanceled   HTTPErrorKind = "CANCELED"
	HTTPSocket     HTTPErrorKind = "SOCKET"
	HTTPParsing    HTTPErrorKind = "PARSING"
	HTTPStatusCode HTTPErrorKind = "HTTP_STATUS"
	HTTPTimeout    HTTPErrorKind = "TIMEOUT"
	HTTPClosed     HTTPErrorKind = "CLOSED"
)

// HTTPError is a metadata-service request failure. Status is set only
// for HTTPStatusCode; Message is the server's own "message" field when
// the response body was JSON, otherwise a truncated raw body.
type HTTPError struct {
	Kind    HTTPErrorKind
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("cloud metadata: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("cloud metadata: %s: %s", e.Kind, e.Message)
}

const (
	metadataPath        = "/metadata?version=1"
	defaultSNIProxyPort = 30443
	// errorBodyTruncate bounds how much of a non-2xx body is echoed back
	// when it isn't JSON with a "message" field.
	errorBodyTruncate = 1024
)

// contactInfo mirrors the JSON shape of §4.8's metadata response.
type contactInfo struct {
	LocalDC         string   `json:"local_dc"`
	SNIProxyAddress string   `json:"sni_proxy_address"`
	ContactPoints   []string `json:"contact_points"`
}

type metadataResponse struct {
	Version     int         `json:"version"`
	ContactInfo contactInfo `json:"contact_info"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Metadata is the parsed, validated result of resolving a secure-connect
// bundle's metadata service (§4.8 seed scenario 3).
type Metadata struct {
	LocalDC       string
	ContactPoints []transport.Address
}

// Resolver fetches cluster contact points from a cloud metadata service
// over mTLS. It is the "cloud metadata resolver" contact-point source of
// §4.8, installed in place of a manually configured contact-point list.
type Resolver struct {
	client *http.Client
	addr   string
}

// NewResolver builds a Resolver that dials bundle's metadata service,
// authenticating with the bundle's client certificate and verifying the
// server against bundle.Host.
func NewResolver(bundle *Bundle) (*Resolver, error) {
	tlsCfg, err := bundle.TLSConfig(bundle.Host)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
		addr: bundle.MetadataAddr(),
	}, nil
}

// Resolve performs GET /metadata?version=1 and parses the result into an
// AddressVec sharing the SNI proxy's host:port, one per contact point,
// each carrying a distinct ServerID/SNIName (§4.8).
func (r *Resolver) Resolve(ctx context.Context) (*Metadata, error) {
	url := "https://" + r.addr + metadataPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &HTTPError{Kind: HTTPParsing, Message: err.Error()}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &HTTPError{Kind: HTTPCanceled, Message: err.Error()}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &HTTPError{Kind: HTTPTimeout, Message: err.Error()}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &HTTPError{Kind: HTTPTimeout, Message: err.Error()}
		}
		return nil, &HTTPError{Kind: HTTPSocket, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &HTTPError{Kind: HTTPSocket, Message: err.Error()}
	}

	contentType := resp.Header.Get("Content-Type")
	isJSON := strings.Contains(contentType, "json")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > errorBodyTruncate {
			msg = msg[:errorBodyTruncate]
		}
		if isJSON {
			var e errorResponse
			if jerr := json.Unmarshal(body, &e); jerr == nil && e.Message != "" {
				msg = e.Message
			}
		}
		return nil, &HTTPError{Kind: HTTPStatusCode, Status: resp.StatusCode, Message: msg}
	}

	if !isJSON {
		return nil, &HTTPError{Kind: HTTPParsing, Message: fmt.Sprintf("unexpected content type %q", contentType)}
	}

	var mr metadataResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, &HTTPError{Kind: HTTPParsing, Message: err.Error()}
	}
	// §9 open question: only version 1 is understood; anything else
	// fails closed rather than risk silently misreading a newer shape.
	if mr.Version != 1 {
		return nil, &HTTPError{Kind: HTTPParsing, Message: fmt.Sprintf("unsupported metadata version %d", mr.Version)}
	}
	if mr.ContactInfo.SNIProxyAddress == "" {
		return nil, &HTTPError{Kind: HTTPParsing, Message: "sni proxy address is not available"}
	}

	host, port, err := splitSNIAddress(mr.ContactInfo.SNIProxyAddress)
	if err != nil {
		return nil, &HTTPError{Kind: HTTPParsing, Message: err.Error()}
	}

	points := make([]transport.Address, 0, len(mr.ContactInfo.ContactPoints))
	for _, id := range mr.ContactInfo.ContactPoints {
		points = append(points, transport.Address{
			Host:     host,
			Port:     port,
			ServerID: id,
			SNIName:  id,
		})
	}

	return &Metadata{LocalDC: mr.ContactInfo.LocalDC, ContactPoints: points}, nil
}

// splitSNIAddress parses "host[:port]", defaulting to 30443 when no port
// is given (§4.8, seed scenario 3).
func splitSNIAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultSNIProxyPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid sni_proxy_address port %q", portStr)
	}
	return host, port, nil
}
