package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Asset is a model file: Remote is its path inside the hub repository,
// Local its file name inside the model directory.
type Asset struct {
	Remote string
	Local  string
}

// Fetcher downloads model assets from a Hugging Face style hub.
type Fetcher struct {
	client   *resty.Client
	endpoint string
	repo     string
	revision string
}

func NewFetcher(endpoint, repo, revision, token string) *Fetcher {
	client := resty.New().
		SetTimeout(30 * time.Minute).
		SetRetryCount(0)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Fetcher{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		repo:     repo,
		revision: revision,
	}
}

func (f *Fetcher) URL(remote string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", f.endpoint, f.repo, f.revision, remote)
}

// Ensure downloads every asset missing from dir. Files already present are
// left alone.
func (f *Fetcher) Ensure(ctx context.Context, dir string, assets []Asset) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	for _, a := range assets {
		dst := filepath.Join(dir, a.Local)
		if fileExists(dst) {
			continue
		}
		if err := f.download(ctx, a.Remote, dst); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, remote, dst string) error {
	url := f.URL(remote)
	slog.Info("Downloading model file", slog.String("url", url), slog.String("path", dst))

	tmp := dst + ".part"
	resp, err := f.client.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(url)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	if resp.IsError() {
		os.Remove(tmp)
		return fmt.Errorf("failed to download %s: %s", url, resp.Status())
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}
