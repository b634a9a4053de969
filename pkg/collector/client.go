package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fluxmon/fluxmon/pkg/logutil"
)

// AgentVersion is reported on connect and in the User-Agent header.
const AgentVersion = "1.4.0"

const userAgent = "fluxmon-agent/" + AgentVersion

const defaultTimeout = 20 * time.Second

// DefaultBackoff is the handshake retry policy: bounded exponential with
// dskit's jitter, unlimited attempts. Only a force-disconnect or context
// cancellation stops the loop.
var DefaultBackoff = backoff.Config{
	MinBackoff: time.Second,
	MaxBackoff: time.Minute,
	MaxRetries: 0,
}

type Config struct {
	LicenseKey string
	// Host is the initial collector target; a preconnect redirect may
	// retarget the session.
	Host string

	// Backoff overrides DefaultBackoff when non-zero; tests inject
	// microsecond waits here.
	Backoff backoff.Config

	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client

	Logger *slog.Logger

	// OnShutdown is invoked after a dispatch outcome cleared the session
	// and instructed the agent to begin its stop sequence. Registered once
	// at construction; never replaced.
	OnShutdown func()

	// OnRestart is invoked after a restart-classified dispatch outcome
	// cleared the session; the agent is expected to re-run the handshake.
	// Registered once at construction, like OnShutdown.
	OnRestart func()
}

// Client owns the handshake and the per-call dispatch envelope. The run
// identifier it holds is the single source of truth for "connected".
type Client struct {
	logger        *slog.Logger
	http          *http.Client
	licenseKey    string
	backoffConfig backoff.Config
	onShutdown    func()
	onRestart     func()

	mu    sync.Mutex
	host  string
	runID string
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		}
	}
	boff := cfg.Backoff
	if boff == (backoff.Config{}) {
		boff = DefaultBackoff
	}
	return &Client{
		logger:        logger,
		http:          httpClient,
		licenseKey:    cfg.LicenseKey,
		backoffConfig: boff,
		onShutdown:    cfg.OnShutdown,
		onRestart:     cfg.OnRestart,
		host:          cfg.Host,
	}
}

// RunID returns the current run identifier, empty when not connected.
func (c *Client) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Connected reports whether a run identifier is held.
func (c *Client) Connected() bool {
	return c.RunID() != ""
}

func (c *Client) currentHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

func (c *Client) setRedirect(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
}

func (c *Client) setSession(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = runID
}

func (c *Client) endSession() {
	c.setSession("")
}

// Connect performs the preconnect / connect / settings-push handshake.
// Any failure other than a force-disconnect is retried with backoff; the
// attempts are strictly sequential. A 410 terminates immediately with
// ErrForceDisconnected and no session.
func (c *Client) Connect(ctx context.Context, req ConnectRequest, settings any) (*ConnectReply, error) {
	boff := backoff.New(ctx, c.backoffConfig)
	for boff.Ongoing() {
		reply, resp, err := c.handshake(ctx, req, settings)
		if err == nil && reply != nil {
			c.logger.With("runID", reply.RunID, "attempts", boff.NumRetries()+1).
				Info("connected to collector")
			return reply, nil
		}
		if resp.Behavior == BehaviorShutdown {
			c.logger.Warn("collector refused the handshake permanently")
			return nil, ErrForceDisconnected
		}
		l := c.logger.With("attempt", boff.NumRetries()+1)
		if err != nil {
			l = l.With("err", err)
		}
		l.Warn("handshake attempt failed, backing off")
		boff.Wait()
	}
	return nil, boff.Err()
}

// handshake runs one full preconnect/connect/agent_settings sequence.
// A nil reply with a nil error means a retryable non-2xx outcome.
func (c *Client) handshake(ctx context.Context, req ConnectRequest, settings any) (*ConnectReply, Response, error) {
	resp, err := c.call(ctx, MethodPreconnect, "", []any{})
	if err != nil || resp.Payload == nil || resp.SessionEnded() {
		return nil, resp, err
	}
	var pre PreconnectReply
	if err := json.Unmarshal(resp.Payload, &pre); err != nil {
		return nil, resp, fmt.Errorf("decode preconnect reply: %w", err)
	}
	if pre.RedirectHost != "" {
		c.logger.With("host", pre.RedirectHost).Debug("preconnect redirect")
		c.setRedirect(pre.RedirectHost)
	}

	resp, err = c.call(ctx, MethodConnect, "", []ConnectRequest{req})
	if err != nil || resp.Payload == nil || resp.SessionEnded() {
		return nil, resp, err
	}
	var reply ConnectReply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		return nil, resp, fmt.Errorf("decode connect reply: %w", err)
	}
	if reply.RunID == "" {
		return nil, resp, fmt.Errorf("connect reply carried no run id")
	}

	resp, err = c.call(ctx, MethodAgentSettings, reply.RunID, []any{settings})
	if err != nil || resp.Payload == nil || resp.SessionEnded() {
		// The session is only real once the settings push went through.
		return nil, resp, err
	}

	c.setSession(reply.RunID)
	return &reply, resp, nil
}

// Dispatch is the envelope every post-handshake RPC goes through. Without
// a run identifier it fails fast with ErrNotConnected and no network call.
// Transport and outcome failures never surface as errors here; they are
// folded into the returned Response.
func (c *Client) Dispatch(ctx context.Context, method Method, payload any) (Response, error) {
	ep, ok := endpoints[method]
	if !ok {
		panic(fmt.Sprintf("collector: unknown RPC method %q", method))
	}
	if ep.payloadRequired && emptyPayload(payload) {
		panic(fmt.Sprintf("collector: method %q requires a payload", method))
	}

	runID := c.RunID()
	if runID == "" {
		return Response{}, ErrNotConnected
	}

	resp, err := c.call(ctx, method, runID, payload)
	if err != nil {
		logutil.WithMethod(c.logger, string(method)).With("err", err).
			Warn("collector call failed, retaining data")
		return Response{RetainData: true, Behavior: BehaviorContinue}, nil
	}
	if resp.SessionEnded() {
		c.endSession()
	}
	switch {
	case resp.Behavior == BehaviorShutdown && c.onShutdown != nil:
		c.onShutdown()
	case resp.Behavior == BehaviorRestart && c.onRestart != nil:
		c.onRestart()
	}
	return resp, nil
}

// SendShutdown is the session teardown RPC. Unlike Dispatch, its raw
// transport error passes through to the caller verbatim; the session is
// cleared either way.
func (c *Client) SendShutdown(ctx context.Context) error {
	runID := c.RunID()
	if runID == "" {
		return ErrNotConnected
	}
	_, err := c.call(ctx, MethodShutdown, runID, nil)
	c.endSession()
	return err
}

func (c *Client) call(ctx context.Context, method Method, runID string, payload any) (Response, error) {
	body, err := encodeBody(payload)
	if err != nil {
		return Response{}, err
	}
	req, err := newRequest(ctx, buildURL(c.currentHost(), method, c.licenseKey, runID), body)
	if err != nil {
		return Response{}, err
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	payloadRaw, rpcErr, err := decodeEnvelope(httpResp.StatusCode, httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	if rpcErr != nil {
		// Informational only; the status code already decided the outcome.
		logutil.WithMethod(c.logger, string(method)).
			With("status", httpResp.StatusCode, "errorType", rpcErr.ErrorType).
			Debug(rpcErr.Message)
	}
	return Classify(httpResp.StatusCode, payloadRaw), nil
}

func emptyPayload(payload any) bool {
	switch v := payload.(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	default:
		return false
	}
}
