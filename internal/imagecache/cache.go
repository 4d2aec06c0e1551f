// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package imagecache keeps guest disk images and the files that come with
// them in a local directory and downloads missing ones on first use.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/sync/errgroup"

	"github.com/aibor/vmrecord/internal/arch"
)

const (
	// DefaultBaseURL is the location the images are downloaded from.
	DefaultBaseURL = "http://panda.moyix.net/~moyix/"

	// DefaultDirName is the name of the cache directory in the user's home
	// directory.
	DefaultDirName = ".panda"
)

// ErrDownload is returned if a file could not be downloaded.
var ErrDownload = errors.New("download failed")

// DefaultDir returns the default cache directory in the user's home
// directory.
func DefaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}

	return filepath.Join(home, DefaultDirName), nil
}

// Cache is a directory of guest images.
type Cache struct {
	// Dir the files are stored in. Created if it does not exist.
	Dir string

	// BaseURL files are downloaded from. Defaults to [DefaultBaseURL].
	BaseURL string

	// Client used for downloads. Defaults to [http.DefaultClient].
	Client *http.Client

	Logger *slog.Logger
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}

	return c.Logger
}

// Path returns the path of the named file in the cache.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.Dir, name)
}

// URL returns the download URL of the named file.
func (c *Cache) URL(name string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	return strings.TrimSuffix(base, "/") + "/" + name
}

// Present returns true if the named file exists in the cache.
func (c *Cache) Present(name string) bool {
	_, err := os.Stat(c.Path(name))
	return err == nil
}

// Ensure makes sure the disk image and all extra files of the profile are
// present and returns the path of the image. Missing files are downloaded in
// parallel. Files that exist are never downloaded again.
//
// If image is not empty, it is used as image path instead of the one in the
// cache. It is downloaded only if it does not exist.
func (c *Cache) Ensure(ctx context.Context, profile arch.Profile, image string) (string, error) {
	err := os.MkdirAll(c.Dir, 0o755)
	if err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	if image == "" {
		image = c.Path(profile.Image)
	}

	eg, ctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(image); err != nil {
		eg.Go(func() error {
			return c.Fetch(ctx, profile.Image, image)
		})
	}

	for _, name := range profile.ExtraFiles {
		if c.Present(name) {
			continue
		}

		eg.Go(func() error {
			return c.Fetch(ctx, name, c.Path(name))
		})
	}

	err = eg.Wait()
	if err != nil {
		return "", err
	}

	return image, nil
}

// Fetch downloads the named file to dst. The file is written to a temporary
// file next to dst first, so dst never contains partial downloads.
func (c *Cache) Fetch(ctx context.Context, name, dst string) error {
	url := c.URL(name)

	c.logger().Info("Downloading",
		slog.String("url", url),
		slog.String("path", dst))

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}

	err = c.download(ctx, url, tmp)

	closeErr := tmp.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("finalize download: %w", closeErr)
	}

	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}

	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("fetch %s: %w", name, err)
	}

	return nil
}

func (c *Cache) download(ctx context.Context, url string, to io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: %s", ErrDownload, url, resp.Status)
	}

	_, err = io.Copy(to, resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}

	return nil
}
