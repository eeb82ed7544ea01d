// Package opensearch indexes lifecycle events as JSON documents.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/devstack/internal/history"
)

// Options selects the cluster endpoint and the target index.
type Options struct {
	URL      string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// ParseDSN reads opensearch://[user[:pass]@]host[:port][/index]. The
// elasticsearch:// scheme is accepted as an alias and ?tls=true selects https.
func ParseDSN(dsn string) (Options, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return Options{}, err
	}
	if u.Host == "" {
		return Options{}, fmt.Errorf("opensearch dsn %q has no host", dsn)
	}
	scheme := "http"
	if u.Query().Get("tls") == "true" {
		scheme = "https"
	}
	o := Options{URL: scheme + "://" + u.Host, Index: strings.Trim(u.Path, "/")}
	if u.User != nil {
		o.Username = u.User.Username()
		o.Password, _ = u.User.Password()
	}
	return o, nil
}

// Sink posts each event to <url>/<index>/_doc.
type Sink struct {
	client   *http.Client
	endpoint string
	user     string
	pass     string
}

func New(o Options) *Sink {
	if o.Index == "" {
		o.Index = "devstack-history"
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return &Sink{
		client:   &http.Client{Timeout: o.Timeout},
		endpoint: strings.TrimRight(o.URL, "/") + "/" + url.PathEscape(o.Index) + "/_doc",
		user:     o.Username,
		pass:     o.Password,
	}
}

type document struct {
	history.Event
	Timestamp time.Time `json:"@timestamp"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	body, err := json.Marshal(document{Event: e, Timestamp: e.OccurredAt.UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
