package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/model"
)

// Deliverer attempts one webhook delivery and classifies the outcome:
// SUCCESS removes the entry, FAILED retries with backoff, ABORTED drops it.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload []byte) model.WebhookResultKind
}

// Signer produces the signature header value for a payload.
type Signer interface {
	Sign(payload []byte) string
}

type HmacSigner struct {
	secret []byte
}

func NewHmacSigner(secret string) *HmacSigner {
	return &HmacSigner{secret: []byte(secret)}
}

func (s *HmacSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

const signatureHeader = "X-Flowtx-Signature"

type httpDeliverer struct {
	client *http.Client
	signer Signer
}

// NewHttpDeliverer builds the production deliverer. signer may be nil, in
// which case payloads go unsigned.
func NewHttpDeliverer(timeout time.Duration, signer Signer) *httpDeliverer {
	return &httpDeliverer{
		client: &http.Client{Timeout: timeout},
		signer: signer,
	}
}

// Deliver posts the payload. 2xx is success; 4xx is permanent (the receiver
// rejected the payload, retrying cannot help); everything else, including
// transport errors and timeouts, is retryable.
func (d *httpDeliverer) Deliver(ctx context.Context, url string, payload []byte) model.WebhookResultKind {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		logger.Error("malformed webhook request", zap.String("url", url), zap.Error(err))
		return model.WEBHOOK_ABORTED
	}
	req.Header.Set("Content-Type", "application/json")
	if d.signer != nil {
		req.Header.Set(signatureHeader, d.signer.Sign(payload))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		logger.Error("webhook delivery failed", zap.String("url", url), zap.Error(err))
		return model.WEBHOOK_FAILED
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return model.WEBHOOK_SUCCESS
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		logger.Error("webhook rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return model.WEBHOOK_ABORTED
	default:
		logger.Error("webhook delivery returned server error", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return model.WEBHOOK_FAILED
	}
}
