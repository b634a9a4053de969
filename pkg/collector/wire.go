package collector

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// procedurePath is the single HTTP path all RPCs go through; the
	// logical endpoint is selected by the method query parameter.
	procedurePath = "/agent_listener/invoke_raw_method"

	protocolVersion = "17"
	marshalFormat   = "json"

	// Responses larger than this are discarded rather than buffered.
	maxResponseBytes = 10 << 20
)

// wireEnvelope is the body shape of every collector response. Exactly one
// of the two fields is populated.
type wireEnvelope struct {
	ReturnValue json.RawMessage `json:"return_value"`
	Exception   *RPCError       `json:"exception"`
}

func buildURL(host string, method Method, licenseKey, runID string) string {
	q := url.Values{}
	q.Set("method", string(method))
	q.Set("license_key", licenseKey)
	q.Set("marshal_format", marshalFormat)
	q.Set("protocol_version", protocolVersion)
	if runID != "" {
		q.Set("run_id", runID)
	}
	// Redirect hosts come down as bare hostnames; local development
	// targets may carry an explicit scheme.
	scheme := "https"
	if s, rest, ok := strings.Cut(host, "://"); ok {
		scheme, host = s, rest
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     procedurePath,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func encodeBody(payload any) (io.Reader, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func newRequest(ctx context.Context, rpcURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// decodeEnvelope reads and decodes a response body. A body that fails to
// decode on a 2xx status is a transport-level failure; on a non-2xx status
// the body is optional and decode failures are ignored.
func decodeEnvelope(status int, body io.Reader) (json.RawMessage, *RPCError, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if status >= 200 && status < 300 {
			return nil, nil, fmt.Errorf("decode response body: %w", err)
		}
		return nil, nil, nil
	}
	if status >= 200 && status < 300 && env.ReturnValue == nil {
		// A void return_value still marks a decoded 2xx outcome.
		env.ReturnValue = json.RawMessage("null")
	}
	return env.ReturnValue, env.Exception, nil
}
