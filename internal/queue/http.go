package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RequestSigner подписывает исходящий запрос с телом body.
type RequestSigner interface {
	SignRequest(r *http.Request, body []byte)
}

// HTTPPublisher доставляет задачу POST-запросом на эндпоинт воркера.
// Задача считается принятой при ответе 2xx.
type HTTPPublisher struct {
	url    string
	signer RequestSigner
	client *http.Client
}

// NewHTTPPublisher создаёт издателя, отправляющего задачи на url.
func NewHTTPPublisher(url string, signer RequestSigner, timeout time.Duration) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPublisher{
		url:    url,
		signer: signer,
		client: &http.Client{Timeout: timeout},
	}
}

// Enqueue отправляет задачу и ждёт подтверждения приёма.
func (p *HTTPPublisher) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.signer != nil {
		p.signer.SignRequest(req, body)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push task: unexpected status %d", resp.StatusCode)
	}
	return nil
}
