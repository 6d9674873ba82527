// Package provider resolves experiment archives hosted on third-party data
// repositories.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"reproserver/internal/domain"
)

// Resolution is what a provider knows about a file before it is downloaded.
// Hash is empty when the provider does not publish a SHA-256.
type Resolution struct {
	Link     string
	Filename string
	Hash     string
}

type Provider interface {
	Name() string
	Resolve(ctx context.Context, path string) (Resolution, error)
}

// Registry is the fixed set of providers a server accepts.
type Registry struct {
	byName map[string]Provider
	client *http.Client
}

func NewRegistry(client *http.Client, providers ...Provider) Registry {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	r := Registry{byName: make(map[string]Provider, len(providers)), client: client}
	for _, p := range providers {
		r.byName[p.Name()] = p
	}
	return r
}

type Config struct {
	OSFURL      string
	FigshareURL string
	Timeout     time.Duration
}

// Default registers osf.io and figshare.com.
func Default(cfg Config) Registry {
	client := &http.Client{Timeout: cfg.Timeout}
	return NewRegistry(client,
		OSF{BaseURL: cfg.OSFURL, Client: client},
		Figshare{BaseURL: cfg.FigshareURL, Client: client},
	)
}

// Lookup returns the provider registered under name.
func (r Registry) Lookup(name string) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, domain.Invalid("provider", "unknown provider %q", name)
	}
	return p, nil
}

func (r Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Key is the dedup identity of a provider reference.
func Key(provider, path string) string {
	return provider + "/" + path
}

// Download opens the body of link. The caller closes it. The request is
// bounded by the registry client's timeout.
func (r Registry) Download(ctx context.Context, provider, link string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, &domain.ProviderError{Provider: provider, Reason: "bad download link", Err: err}
	}
	res, err := r.client.Do(req)
	if err != nil {
		return nil, &domain.ProviderError{Provider: provider, Reason: "download failed", Err: err}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, &domain.ProviderError{Provider: provider, Reason: fmt.Sprintf("HTTP error %d downloading file", res.StatusCode)}
	}
	return res.Body, nil
}

// getJSON fetches url and decodes the body into out.
func getJSON(ctx context.Context, client *http.Client, provider, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &domain.ProviderError{Provider: provider, Reason: "bad request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: provider, Reason: "unreachable", Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &domain.ProviderError{Provider: provider, Reason: fmt.Sprintf("HTTP error %d from %s", res.StatusCode, provider)}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(out); err != nil {
		return &domain.ProviderError{Provider: provider, Reason: "invalid JSON returned from " + provider, Err: err}
	}
	return nil
}

func baseURL(u string) string {
	return strings.TrimRight(u, "/")
}
