// Package ffmpeg provisions the ffmpeg/ffprobe binaries the subtitle
// extractor shells out to. Binaries are published per machine architecture
// as raw files next to a version marker; Ensure downloads them once and
// refreshes them when the published version moves.
package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/httpx"
	"github.com/kman0001/tubesync-plex/internal/log"
)

// DefaultBaseURL is the release root holding one directory per architecture.
const DefaultBaseURL = "https://raw.githubusercontent.com/kman0001/tubesync-plex/main/ffmpeg"

const (
	versionTimeout  = 10 * time.Second
	downloadTimeout = 60 * time.Second
	versionFileName = ".ffmpeg_version"
)

// Paths locates the provisioned binaries.
type Paths struct {
	FFmpeg  string
	FFprobe string
}

// Config for a Provisioner. Only Dir is required.
type Config struct {
	// Dir is the install directory for both binaries and the version file.
	Dir string
	// BaseURL overrides the release root.
	BaseURL string
	// Arch overrides the machine-architecture directory name.
	Arch string
	// Client overrides the HTTP client used for downloads.
	Client *http.Client
}

type Provisioner struct {
	dir     string
	baseURL string
	arch    string
	client  *http.Client
	logger  zerolog.Logger
}

func New(cfg Config) *Provisioner {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Arch == "" {
		cfg.Arch = archName()
	}
	if cfg.Client == nil {
		cfg.Client = httpx.NewClient(downloadTimeout)
	}
	return &Provisioner{
		dir:     cfg.Dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		arch:    cfg.Arch,
		client:  cfg.Client,
		logger:  log.WithComponent("ffmpeg"),
	}
}

// Paths returns where the binaries live (whether or not they exist yet).
func (p *Provisioner) Paths() Paths {
	return Paths{
		FFmpeg:  filepath.Join(p.dir, "ffmpeg"),
		FFprobe: filepath.Join(p.dir, "ffprobe"),
	}
}

// Ensure installs or refreshes the binaries. The caller treats errors as
// advisory: a failed provision only disables subtitle extraction, never the
// daemon.
func (p *Provisioner) Ensure(ctx context.Context) error {
	remote, err := p.remoteVersion(ctx)
	if err != nil {
		return fmt.Errorf("fetch ffmpeg version: %w", err)
	}

	paths := p.Paths()
	if p.upToDate(paths, remote) {
		p.logger.Debug().Str(log.FieldEvent, "ffmpeg.up_to_date").Str("version", remote).Msg("ffmpeg binaries current")
		return nil
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create ffmpeg dir: %w", err)
	}
	if err := p.download(ctx, "ffmpeg", paths.FFmpeg); err != nil {
		return err
	}
	if err := p.download(ctx, "ffprobe", paths.FFprobe); err != nil {
		return err
	}
	if err := renameio.WriteFile(p.versionFile(), []byte(remote+"\n"), 0o644); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}

	p.logger.Info().Str(log.FieldEvent, "ffmpeg.installed").Str("version", remote).Str(log.FieldPath, p.dir).Msg("ffmpeg binaries installed")
	return nil
}

func (p *Provisioner) versionFile() string {
	return filepath.Join(p.dir, versionFileName)
}

func (p *Provisioner) remoteVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+p.arch+"/version.txt", nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version.txt: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(string(body))
	if version == "" {
		return "", fmt.Errorf("version.txt: empty")
	}
	return version, nil
}

// upToDate reports whether both binaries exist and the recorded version
// matches the published one.
func (p *Provisioner) upToDate(paths Paths, remote string) bool {
	for _, bin := range []string{paths.FFmpeg, paths.FFprobe} {
		if info, err := os.Stat(bin); err != nil || info.IsDir() {
			return false
		}
	}
	local, err := os.ReadFile(p.versionFile())
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(local)) == remote
}

// download streams one binary into place atomically with execute
// permissions.
func (p *Provisioner) download(ctx context.Context, name, dst string) error {
	url := p.baseURL + "/" + p.arch + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %d", name, resp.StatusCode)
	}

	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o755))
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}

	p.logger.Info().Str(log.FieldEvent, "ffmpeg.downloaded").Str("binary", name).Int64("bytes", n).Msg("binary downloaded")
	return nil
}

// archName maps the Go architecture onto the uname -m style directory
// names the release tree uses.
func archName() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7l"
	default:
		return runtime.GOARCH
	}
}
