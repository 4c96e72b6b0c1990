package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"golang.org/x/oauth2"
)

const (
	// metadataTokenSuffix is the default service account token, relative to
	// /computeMetadata/v1/.
	metadataTokenSuffix = "instance/service-accounts/default/token"

	// expirySkew refreshes a cached token this long before it expires.
	expirySkew = 60 * time.Second
)

// MetadataProvider fetches service-account tokens from the compute metadata
// server and reuses them until shortly before expiry.
// Safe for concurrent use.
type MetadataProvider struct {
	src oauth2.TokenSource
}

// NewMetadataProvider creates a metadata-server token provider. An empty
// address uses the metadata client's default host, which honors
// GCE_METADATA_HOST. A zero timeout means 5s.
func NewMetadataProvider(address string, timeout time.Duration) *MetadataProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if address != "" {
		httpClient.Transport = hostOverride{target: metadataURL(address), next: http.DefaultTransport}
	}
	src := &metadataSource{client: metadata.NewClient(httpClient)}
	return &MetadataProvider{src: oauth2.ReuseTokenSourceWithExpiry(nil, src, expirySkew)}
}

func (p *MetadataProvider) Name() string { return "metadata" }

func (p *MetadataProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := p.src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// metadataSource is the uncached oauth2.TokenSource behind MetadataProvider.
type metadataSource struct {
	client *metadata.Client
}

func (s *metadataSource) Token() (*oauth2.Token, error) {
	body, err := s.client.GetWithContext(context.Background(), metadataTokenSuffix)
	if err != nil {
		var notDefined metadata.NotDefinedError
		var merr *metadata.Error
		switch {
		case errors.As(err, &notDefined):
			return nil, fmt.Errorf("%w: no default service account on this instance", ErrNoToken)
		case errors.As(err, &merr):
			return nil, fmt.Errorf("metadata server returned status %d", merr.Code)
		}
		return nil, fmt.Errorf("%w: metadata server unreachable: %v", ErrNoToken, err)
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("parsing metadata token: %w", err)
	}
	if res.AccessToken == "" {
		return nil, fmt.Errorf("%w: metadata server returned an empty token", ErrNoToken)
	}

	tok := &oauth2.Token{AccessToken: res.AccessToken, TokenType: res.TokenType}
	if res.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func metadataURL(address string) *url.URL {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	u, err := url.Parse(strings.TrimRight(address, "/"))
	if err != nil || u.Host == "" {
		return &url.URL{Scheme: "http", Host: address}
	}
	return u
}

// hostOverride sends metadata requests to a configured address instead of
// the link-local default.
type hostOverride struct {
	target *url.URL
	next   http.RoundTripper
}

func (h hostOverride) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = h.target.Scheme
	req.URL.Host = h.target.Host
	req.Host = h.target.Host
	return h.next.RoundTrip(req)
}
