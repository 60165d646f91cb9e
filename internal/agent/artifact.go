// Copyright 2025 The AgentFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentflow/agentflow/internal/log"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// DefaultArtifactRepository resolves mvn: coordinates when no
// repository is configured.
const DefaultArtifactRepository = "https://repo1.maven.org/maven2"

// Resolver materializes handler modules on local disk. Remote
// artifacts (mvn:, http://, https://) are downloaded once into the
// cache directory; a per-artifact mutex keeps concurrent workers from
// downloading the same artifact twice.
type Resolver struct {
	cacheDir string
	repoBase string
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a resolver caching artifacts under cacheDir.
func NewResolver(cacheDir string) *Resolver {
	return &Resolver{
		cacheDir: cacheDir,
		repoBase: DefaultArtifactRepository,
		client:   &http.Client{Timeout: 2 * time.Minute},
		logger:   log.WithComponent(slog.Default(), "artifact-resolver"),
		locks:    map[string]*sync.Mutex{},
	}
}

// WithRepository sets the Maven repository base URL.
func (r *Resolver) WithRepository(base string) *Resolver {
	if base != "" {
		r.repoBase = base
	}
	return r
}

// WithHTTPClient sets the client used for downloads.
func (r *Resolver) WithHTTPClient(client *http.Client) *Resolver {
	if client != nil {
		r.client = client
	}
	return r
}

// WithLogger sets the logger.
func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	if logger != nil {
		r.logger = log.WithComponent(logger, "artifact-resolver")
	}
	return r
}

// Resolve returns a local path for the module URI, fetching and caching
// remote artifacts on first use.
func (r *Resolver) Resolve(ctx context.Context, moduleURI string) (string, error) {
	switch {
	case strings.HasPrefix(moduleURI, "file://"):
		p := strings.TrimPrefix(moduleURI, "file://")
		if _, err := os.Stat(p); err != nil {
			return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "local module missing", Cause: err}
		}
		return p, nil
	case strings.HasPrefix(moduleURI, "mvn:"):
		coord, err := ParseMavenCoordinate(moduleURI)
		if err != nil {
			return "", err
		}
		return r.fetch(ctx, moduleURI, coord.URL(r.repoBase), coord.CacheName())
	case strings.HasPrefix(moduleURI, "http://"), strings.HasPrefix(moduleURI, "https://"):
		return r.fetch(ctx, moduleURI, moduleURI, urlCacheName(moduleURI))
	default:
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "unsupported module uri scheme"}
	}
}

// MavenCoordinate is a parsed mvn:group:artifact:version reference.
type MavenCoordinate struct {
	Group    string
	Artifact string
	Version  string
}

// ParseMavenCoordinate parses an mvn:group:artifact:version URI.
func ParseMavenCoordinate(uri string) (MavenCoordinate, error) {
	parts := strings.Split(strings.TrimPrefix(uri, "mvn:"), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return MavenCoordinate{}, &aflerrors.DownloadError{URI: uri, Reason: "want mvn:group:artifact:version"}
	}
	return MavenCoordinate{Group: parts[0], Artifact: parts[1], Version: parts[2]}, nil
}

// URL is the artifact's location under a Maven repository base.
func (c MavenCoordinate) URL(repoBase string) string {
	groupPath := strings.ReplaceAll(c.Group, ".", "/")
	return fmt.Sprintf("%s/%s/%s/%s/%s-%s.jar",
		strings.TrimSuffix(repoBase, "/"), groupPath, c.Artifact, c.Version, c.Artifact, c.Version)
}

// CacheName is the flat cache filename. The group prefix disambiguates
// artifacts sharing a name.
func (c MavenCoordinate) CacheName() string {
	return fmt.Sprintf("%s_%s-%s.jar", c.Group, c.Artifact, c.Version)
}

// urlCacheName derives a stable cache filename from the URL, keeping
// the extension so launchers can tell jars from scripts.
func urlCacheName(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	ext := ""
	if u, err := url.Parse(raw); err == nil {
		ext = path.Ext(u.Path)
	}
	return hex.EncodeToString(sum[:8]) + ext
}

func (r *Resolver) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// fetch downloads the artifact into the cache unless a previous fetch
// already did. The write goes through a temp file and a rename, so a
// cached artifact is always complete.
func (r *Resolver) fetch(ctx context.Context, moduleURI, srcURL, name string) (string, error) {
	dest := filepath.Join(r.cacheDir, name)

	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "creating cache directory", Cause: err}
	}

	r.logger.Info("downloading handler module",
		slog.String("uri", log.SanitizeURL(srcURL)),
		slog.String("dest", dest))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "building request", Cause: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "fetching artifact", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	tmp, err := os.CreateTemp(r.cacheDir, ".afl-module-*")
	if err != nil {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "creating temp file", Cause: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "writing artifact", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "closing artifact", Cause: err}
	}
	// Script modules must be executable; harmless for jars.
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "marking artifact executable", Cause: err}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", &aflerrors.DownloadError{URI: moduleURI, Reason: "moving artifact into cache", Cause: err}
	}
	return dest, nil
}
