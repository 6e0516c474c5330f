package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JonMunkholm/sheetbot/internal/hostlist"
)

// Bot Framework token endpoint and scope for client-credential grants.
const (
	DefaultTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	DefaultScope    = "https://api.botframework.com/.default"
)

// DefaultServiceHosts are the Bot Framework channel hosts replies may be
// posted to with the bot's token.
var DefaultServiceHosts = hostlist.List{"*.botframework.com", "smba.trafficmanager.net"}

// ErrUntrustedServiceURL means a reply would carry the bot's token to a host
// outside the configured service hosts.
var ErrUntrustedServiceURL = errors.New("service url is not a trusted channel host")

// Sender delivers a reply activity to the channel.
type Sender interface {
	// CheckServiceURL reports whether replies may be sent to serviceURL.
	CheckServiceURL(serviceURL string) error
	Send(ctx context.Context, reply Activity) error
}

// ConnectorOptions configures a Connector. Without an AppID replies are
// posted unauthenticated, which the local emulator accepts.
type ConnectorOptions struct {
	AppID       string
	AppPassword string
	TokenURL    string
	Scope       string
	Timeout     time.Duration

	// ServiceHosts are the only hosts an authenticated connector posts to.
	// Nil means DefaultServiceHosts.
	ServiceHosts hostlist.List

	// Client is the base transport; it is wrapped with token injection when
	// credentials are set.
	Client *http.Client
}

// Connector posts replies to {serviceUrl}/v3/conversations/{id}/activities.
type Connector struct {
	client *http.Client
	tokens oauth2.TokenSource
	hosts  hostlist.List
}

func NewConnector(opts ConnectorOptions) *Connector {
	base := opts.Client
	if base == nil {
		base = &http.Client{}
	}
	if opts.Timeout > 0 && base.Timeout == 0 {
		clone := *base
		clone.Timeout = opts.Timeout
		base = &clone
	}

	c := &Connector{client: base, hosts: opts.ServiceHosts}
	if c.hosts == nil {
		c.hosts = DefaultServiceHosts
	}
	if opts.AppID == "" {
		return c
	}

	cfg := clientcredentials.Config{
		ClientID:     opts.AppID,
		ClientSecret: opts.AppPassword,
		TokenURL:     opts.TokenURL,
		Scopes:       []string{opts.Scope},
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if opts.Scope == "" {
		cfg.Scopes = []string{DefaultScope}
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	c.tokens = cfg.TokenSource(ctx)
	// oauth2.Transport signs every hop, so redirects are never followed.
	c.client = &http.Client{
		Transport: &oauth2.Transport{Source: c.tokens, Base: base.Transport},
		Timeout:   base.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c
}

// TokenSource returns the bot's credential source, or nil when the
// connector is unauthenticated.
func (c *Connector) TokenSource() oauth2.TokenSource {
	return c.tokens
}

// CheckServiceURL rejects service URLs the connector will not post to.
// With credentials only https URLs on the service host list pass.
func (c *Connector) CheckServiceURL(serviceURL string) error {
	if serviceURL == "" {
		return errors.New("activity has no service url")
	}
	u, err := url.Parse(serviceURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: malformed url", ErrUntrustedServiceURL)
	}
	if c.tokens != nil && !c.hosts.Allows(u) {
		return fmt.Errorf("%w: %s", ErrUntrustedServiceURL, u.Host)
	}
	return nil
}

// Send posts reply to the conversation it belongs to.
func (c *Connector) Send(ctx context.Context, reply Activity) error {
	if err := c.CheckServiceURL(reply.ServiceURL); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if reply.Conversation.ID == "" {
		return errors.New("send reply: activity has no conversation id")
	}

	endpoint := strings.TrimRight(reply.ServiceURL, "/") +
		"/v3/conversations/" + url.PathEscape(reply.Conversation.ID) + "/activities"
	if reply.ReplyToID != "" {
		endpoint += "/" + url.PathEscape(reply.ReplyToID)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("send reply: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send reply: %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
