package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrInvalidAlertURL = errors.New("alert url must be an absolute http(s) url")

// HTTPAlerter POSTs an Event to a relay such as an email gateway.
type HTTPAlerter struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPAlerter(rawURL, token string, timeout time.Duration) (*HTTPAlerter, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidAlertURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAlerter{
		url:    u.String(),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (a *HTTPAlerter) Alive(ctx context.Context, msg string) error {
	return a.post(ctx, newEvent(KindAlive, msg))
}

func (a *HTTPAlerter) Death(ctx context.Context, msg string) error {
	return a.post(ctx, newEvent(KindDeath, msg))
}

func (a *HTTPAlerter) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", ev.Kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send %s alert: unexpected status %d", ev.Kind, resp.StatusCode)
	}
	return nil
}
