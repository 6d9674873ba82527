package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"reproserver/internal/domain"
)

// Figshare resolves "<article_id>/<file_id>" references on figshare.com.
type Figshare struct {
	BaseURL string
	Client  *http.Client
}

func (Figshare) Name() string { return "figshare.com" }

type figshareFile struct {
	DownloadURL string `json:"download_url"`
	Name        string `json:"name"`
}

func (f Figshare) Resolve(ctx context.Context, path string) (Resolution, error) {
	article, file, ok := strings.Cut(path, "/")
	if !ok {
		return Resolution{}, domain.Invalid("path", "%q is not <article_id>/<file_id>", path)
	}
	articleID, err1 := strconv.ParseUint(article, 10, 64)
	fileID, err2 := strconv.ParseUint(file, 10, 64)
	if err1 != nil || err2 != nil {
		return Resolution{}, domain.Invalid("path", "%q: article and file ids must be integers", path)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	var resp figshareFile
	url := fmt.Sprintf("%s/articles/%d/files/%d", baseURL(f.BaseURL), articleID, fileID)
	if err := getJSON(ctx, client, f.Name(), url, &resp); err != nil {
		return Resolution{}, err
	}
	if resp.DownloadURL == "" {
		return Resolution{}, &domain.ProviderError{Provider: f.Name(), Reason: "response has no download_url"}
	}
	name := resp.Name
	if name == "" {
		name = "unnamed_figshare_file"
	}
	return Resolution{Link: resp.DownloadURL, Filename: name}, nil
}
