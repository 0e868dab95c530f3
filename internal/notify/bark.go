// Package notify delivers push messages. Bark is the only real transport;
// Recorder captures messages for dry runs and tests.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Message is one push: a title, a body, and an optional link the client
// opens on tap.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Bark sends through a Bark server. Endpoint must already be normalized.
type Bark struct {
	Endpoint string
	Client   *http.Client
}

// NormalizeEndpoint accepts the three shapes people paste: a bare device
// token, a host/token pair without a scheme, or a full URL.
func NormalizeEndpoint(raw string) string {
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "/"))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if strings.Contains(raw, "/") {
		return "https://" + raw
	}
	return "https://api.day.app/" + raw
}

func (b Bark) Notify(ctx context.Context, m Message) error {
	pushURL := b.Endpoint + "/" + url.PathEscape(m.Title) + "/" + url.PathEscape(m.Body)
	if m.Link != "" {
		pushURL += "?url=" + url.QueryEscape(m.Link)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pushURL, nil)
	if err != nil {
		return fmt.Errorf("bark request failed")
	}
	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// Error text from the transport can embed the device token in the
		// URL, so it is dropped.
		return fmt.Errorf("bark request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bark http %d", resp.StatusCode)
	}
	return nil
}

// Recorder collects messages instead of sending them.
type Recorder struct {
	Messages []Message
}

func (r *Recorder) Notify(_ context.Context, m Message) error {
	r.Messages = append(r.Messages, m)
	return nil
}
