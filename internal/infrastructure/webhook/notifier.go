// Package webhook pushes conversion outcomes to caller-supplied callback
// endpoints.
//
// Three kinds of request are sent, all as POST:
//
//   - a reachability probe with body {"status":"processing"} before a job is accepted
//   - a multipart upload of the finished PDF
//   - a JSON failure notice once a job has failed for good
//
// Any non-2xx answer or transport error is an error. Deliveries are retried a
// few times with exponential backoff; the probe is attempted once.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/logger"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	DefaultUserAgent        = "HTMLtoPDF-Service/1.0"
	defaultProbeTimeout     = 2 * time.Second
	defaultFileTimeout      = 30 * time.Second
	defaultJSONTimeout      = 10 * time.Second
	defaultDeliveryAttempts = 3
	defaultDeliveryBackoff  = time.Second

	// responses are drained up to this size so connections can be reused
	maxResponseDrain = 64 << 10
)

// Kinds reported on callback failure metrics
const (
	KindProbe    = "probe"
	KindArtifact = "artifact"
	KindFailure  = "failure"
)

// Notifier is what the conversion service and worker need from a callback client
type Notifier interface {
	ValidateReachable(ctx context.Context, url string) error
	DeliverArtifact(ctx context.Context, url string, delivery ArtifactDelivery) error
	DeliverFailure(ctx context.Context, url, jobID, reason string) error
}

// ArtifactDelivery is the payload of a successful conversion callback
type ArtifactDelivery struct {
	JobID       string
	PDF         []byte
	GeneratedAt time.Time
	// Metadata is sent as extra form fields
	Metadata map[string]string
}

// Config configures the HTTP notifier
type Config struct {
	ProbeTimeout     time.Duration
	FileTimeout      time.Duration
	JSONTimeout      time.Duration
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
	UserAgent        string

	Logger  *zap.Logger
	Metrics *telemetry.ConversionMetrics
	// Transport overrides the HTTP transport; nil uses http.DefaultTransport
	Transport http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = defaultFileTimeout
	}
	if c.JSONTimeout <= 0 {
		c.JSONTimeout = defaultJSONTimeout
	}
	if c.DeliveryAttempts <= 0 {
		c.DeliveryAttempts = defaultDeliveryAttempts
	}
	if c.DeliveryBackoff <= 0 {
		c.DeliveryBackoff = defaultDeliveryBackoff
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
	return c
}

// HTTPNotifier implements Notifier over plain HTTP
type HTTPNotifier struct {
	client  *http.Client
	config  Config
	logger  *zap.Logger
	metrics *telemetry.ConversionMetrics
}

// NewHTTPNotifier creates a notifier. Per-request timeouts come from cfg, so
// the client itself has none.
func NewHTTPNotifier(cfg Config) *HTTPNotifier {
	cfg = cfg.withDefaults()
	return &HTTPNotifier{
		client: &http.Client{
			Transport: otelhttp.NewTransport(cfg.Transport),
		},
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// ValidateReachable probes url once before a job is accepted
func (n *HTTPNotifier) ValidateReachable(ctx context.Context, url string) error {
	ctx, span := telemetry.StartSpan(ctx, "webhook.probe",
		telemetry.AttrCallbackKind.String(KindProbe))
	defer span.End()

	body, _ := json.Marshal(map[string]string{"status": "processing"})
	err := n.post(ctx, url, n.config.ProbeTimeout, "application/json", body)
	if err != nil {
		telemetry.RecordError(span, err)
		n.metrics.RecordCallbackFailure(ctx, KindProbe, string(conversion.CodeOf(err)))
		n.logger.Warn("Callback probe failed", zap.String("url", url), zap.Error(err))
	}
	return err
}

// DeliverArtifact uploads the finished PDF as multipart/form-data
func (n *HTTPNotifier) DeliverArtifact(ctx context.Context, url string, d ArtifactDelivery) error {
	ctx, span := telemetry.StartSpan(ctx, "webhook.deliver_artifact",
		telemetry.AttrCallbackKind.String(KindArtifact),
		telemetry.AttrJobID.String(d.JobID))
	defer span.End()

	body, contentType, err := encodeArtifact(d)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	err = n.deliver(ctx, KindArtifact, url, n.config.FileTimeout, contentType, body)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	logger.FromContext(ctx, n.logger).Info("PDF delivered to callback",
		zap.String("url", url),
		zap.Int("size_bytes", len(d.PDF)))
	return nil
}

// DeliverFailure sends {jobId, status:"failed", error} as JSON
func (n *HTTPNotifier) DeliverFailure(ctx context.Context, url, jobID, reason string) error {
	ctx, span := telemetry.StartSpan(ctx, "webhook.deliver_failure",
		telemetry.AttrCallbackKind.String(KindFailure),
		telemetry.AttrJobID.String(jobID))
	defer span.End()

	body, err := json.Marshal(failureNotice{JobID: jobID, Status: string(conversion.JobStatusFailed), Error: reason})
	if err != nil {
		return fmt.Errorf("encode failure notice: %w", err)
	}

	if err := n.deliver(ctx, KindFailure, url, n.config.JSONTimeout, "application/json", body); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

type failureNotice struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// deliver posts body with retries. Client errors other than 408 and 429 are
// not retried.
func (n *HTTPNotifier) deliver(ctx context.Context, kind, url string, timeout time.Duration, contentType string, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.config.DeliveryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := n.post(ctx, url, timeout, contentType, body)
		if err == nil {
			return nil
		}
		n.metrics.RecordCallbackFailure(ctx, kind, string(conversion.CodeOf(err)))
		logger.FromContext(ctx, n.logger).Warn("Callback delivery attempt failed",
			zap.String("kind", kind),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.config.DeliveryAttempts-1)), ctx)
	return backoff.Retry(op, policy)
}

// post sends a single request and maps the outcome to callback error codes
func (n *HTTPNotifier) post(ctx context.Context, url string, timeout time.Duration, contentType string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return conversion.NewError(conversion.CodeCallbackUnreachable, "invalid callback url", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", n.config.UserAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		if isTimeout(reqCtx, err) {
			return conversion.NewError(conversion.CodeCallbackTimeout,
				fmt.Sprintf("callback %s did not answer within %s", url, timeout), err)
		}
		return conversion.NewError(conversion.CodeCallbackUnreachable, "callback "+url+" unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &conversion.CallbackStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func retryable(err error) bool {
	var statusErr *conversion.CallbackStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
	}
	return true
}

// encodeArtifact builds the multipart body for an artifact delivery
func encodeArtifact(d ArtifactDelivery) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, ArtifactFilename(d.JobID)))
	header.Set("Content-Type", "application/pdf")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(d.PDF); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	generatedAt := d.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	fields := [][2]string{
		{"jobId", d.JobID},
		{"status", string(conversion.JobStatusCompleted)},
		{"sizeBytes", strconv.Itoa(len(d.PDF))},
		{"generatedAt", generatedAt.UTC().Format(time.RFC3339)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	for k, v := range d.Metadata {
		if _, reserved := reservedFields[k]; reserved || v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var reservedFields = map[string]struct{}{
	"file": {}, "jobId": {}, "status": {}, "sizeBytes": {}, "generatedAt": {},
}

// ArtifactFilename is the name the PDF is uploaded under
func ArtifactFilename(jobID string) string {
	return "pdf-" + jobID + ".pdf"
}

var _ Notifier = (*HTTPNotifier)(nil)
