package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с внешним сервисом генерации.
// Сетевые ошибки и ответы 502/504 повторяются; 429 и 503 считаются отказом модели.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type generateRequest struct {
	RequestID string        `json:"request_id"`
	Model     model.AIModel `json:"model"`
	Style     string        `json:"style"`
	Color     string        `json:"color"`
	Size      string        `json:"size"`
	Prompt    string        `json:"prompt"`
}

type generateResponse struct {
	ImageURL  string        `json:"image_url"`
	ModelUsed model.AIModel `json:"model_used"`
	Error     string        `json:"error"`
}

// NewClient создаёт HTTP-клиент для сервиса генерации по указанному адресу.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    base,
		httpClient: rc,
	}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout, nil
}

// Generate отправляет запрос на генерацию. Отказ сервиса возвращается как *FailureError.
func (c *Client) Generate(ctx context.Context, in Input) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("generator client not configured")
	}

	body, err := json.Marshal(generateRequest{
		RequestID: in.RequestID,
		Model:     in.Model,
		Style:     in.Style,
		Color:     in.Color,
		Size:      in.Size,
		Prompt:    in.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		msg := "Model overload - please retry"
		if v := resp.Header.Get("Retry-After"); v != "" {
			msg += " after " + v + "s"
		}
		return nil, &FailureError{Message: msg}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, &FailureError{Message: out.Error}
		}
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out.ImageURL == "" {
		return nil, &FailureError{Message: "generator returned empty image url"}
	}
	if out.ModelUsed == "" {
		out.ModelUsed = in.Model
	}

	return &Result{ImageURL: out.ImageURL, ModelUsed: out.ModelUsed}, nil
}
