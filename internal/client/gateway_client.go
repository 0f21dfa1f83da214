package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// GatewayClient sends messages through the provider's HTTP API. Every
// failure comes back as an *errs.GatewayError.
type GatewayClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGatewayClient(baseURL, apiKey string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type templateRef struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type sendRequest struct {
	Destination string       `json:"destination"`
	Template    *templateRef `json:"template,omitempty"`
	Body        string       `json:"body,omitempty"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (c *GatewayClient) Send(ctx context.Context, channel model.Channel, payload model.Payload) (string, error) {
	req := sendRequest{Destination: payload.Destination}
	switch channel {
	case model.WhatsApp:
		req.Template = &templateRef{Name: payload.TemplateName, Params: payload.TemplateParams}
	case model.SMS:
		req.Body = payload.Body
	default:
		return "", errs.New(errs.CodeInvalidParameters, fmt.Sprintf("unsupported channel %q", channel))
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", errs.Classify(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+string(channel)+"/msg", bytes.NewReader(reqBody))
	if err != nil {
		return "", errs.New(errs.CodeInvalidConfig, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", errs.Classify(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var sr sendResponse
	decodeErr := json.Unmarshal(body, &sr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sr.Message
		if msg == "" {
			msg = fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
		}
		gerr := errs.FromHTTPStatus(resp.StatusCode, sr.Code, msg)
		gerr.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		return "", gerr
	}

	if decodeErr != nil {
		return "", errs.New(errs.CodeTemporaryFailure, fmt.Sprintf("failed to decode json: %v body=%q", decodeErr, string(body)))
	}
	if strings.EqualFold(sr.Status, "error") {
		return "", errs.FromHTTPStatus(resp.StatusCode, sr.Code, sr.Message)
	}
	if sr.MessageID == "" {
		return "", errs.New(errs.CodeTemporaryFailure, fmt.Sprintf("missing messageId in response body=%q", string(body)))
	}

	return sr.MessageID, nil
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
