package provider

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"reproserver/internal/domain"
	"reproserver/internal/hasher"
)

var osfPath = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// OSF resolves file ids on osf.io.
type OSF struct {
	BaseURL string
	Client  *http.Client
}

func (OSF) Name() string { return "osf.io" }

type osfFile struct {
	Data struct {
		Links struct {
			Download string `json:"download"`
		} `json:"links"`
		Attributes struct {
			Name  string `json:"name"`
			Extra struct {
				Hashes struct {
					SHA256 string `json:"sha256"`
				} `json:"hashes"`
			} `json:"extra"`
		} `json:"attributes"`
	} `json:"data"`
}

func (o OSF) Resolve(ctx context.Context, path string) (Resolution, error) {
	if !osfPath.MatchString(path) {
		return Resolution{}, domain.Invalid("path", "%q is not a valid OSF file id", path)
	}
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	var resp osfFile
	if err := getJSON(ctx, client, o.Name(), baseURL(o.BaseURL)+"/files/"+path+"/", &resp); err != nil {
		return Resolution{}, err
	}
	link := resp.Data.Links.Download
	if link == "" {
		return Resolution{}, &domain.ProviderError{Provider: o.Name(), Reason: "response has no download link"}
	}
	res := Resolution{Link: link, Filename: resp.Data.Attributes.Name}
	if res.Filename == "" {
		res.Filename = "unnamed_osf_file"
	}
	// Only trust a digest that looks like one.
	if h := strings.ToLower(resp.Data.Attributes.Extra.Hashes.SHA256); hasher.Valid(h) {
		res.Hash = h
	}
	return res, nil
}
