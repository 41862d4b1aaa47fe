// Package subtitles extracts embedded text subtitles from media files and
// attaches them to the matching server item.
//
// After a successful metadata apply the daemon hands the video over here:
// ffprobe lists the embedded subtitle streams, every text stream without an
// SRT sidecar on disk is extracted with ffmpeg, and each newly created file
// is uploaded through the API client. Image-based formats (PGS, VobSub, DVB)
// cannot be converted to SRT and are skipped.
package subtitles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/ffmpeg"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
	"github.com/kman0001/tubesync-plex/internal/plex"
)

// Uploader pushes a local subtitle file onto a server item. *plex.Client
// satisfies it.
type Uploader interface {
	UploadSubtitle(ctx context.Context, item *plex.Item, path, lang string) error
}

// imageCodecs are bitmap subtitle formats ffmpeg cannot convert to SRT.
var imageCodecs = map[string]struct{}{
	"hdmv_pgs_subtitle": {},
	"hdmv_pgs":          {},
	"pgs":               {},
	"dvd_subtitle":      {},
	"dvdsub":            {},
	"dvb_subtitle":      {},
	"vobsub":            {},
}

// Extractor probes videos for embedded subtitle streams, extracts the
// missing ones as SRT sidecars and uploads each newly created file.
type Extractor struct {
	ffmpegBin  string
	ffprobeBin string
	uploader   Uploader
	logger     zerolog.Logger
	enabled    bool
}

// New builds an Extractor around the given binaries. When either binary is
// missing it logs once and the extractor stays disabled for the whole run;
// Process then becomes a no-op instead of failing every video.
func New(bins ffmpeg.Paths, uploader Uploader) *Extractor {
	e := &Extractor{
		ffmpegBin:  bins.FFmpeg,
		ffprobeBin: bins.FFprobe,
		uploader:   uploader,
		logger:     log.WithComponent("subtitles"),
	}
	e.enabled = usableBinary(bins.FFmpeg) && usableBinary(bins.FFprobe)
	if !e.enabled {
		e.logger.Warn().
			Str(log.FieldEvent, "subtitles.disabled").
			Str("ffmpeg", bins.FFmpeg).
			Str("ffprobe", bins.FFprobe).
			Msg("ffmpeg binaries unavailable, subtitle extraction disabled")
	}
	return e
}

func usableBinary(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Enabled reports whether usable binaries were found at construction.
func (e *Extractor) Enabled() bool { return e.enabled }

type subtitleStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	Tags      struct {
		Language string `json:"language"`
	} `json:"tags"`
}

// Process extracts the text subtitles embedded in video and uploads every
// newly created SRT to item. Streams whose sidecar already exists on disk
// are left alone. Per-stream failures are logged and skipped; the returned
// count is the number of successful uploads.
func (e *Extractor) Process(ctx context.Context, video string, item *plex.Item) (int, error) {
	if !e.enabled || item == nil {
		return 0, nil
	}
	streams, err := e.probe(ctx, video)
	if err != nil {
		return 0, err
	}
	base := strings.TrimSuffix(video, filepath.Ext(video))
	uploaded := 0
	// Position within the probe result is the subtitle-relative index that
	// "-map 0:s:N" selects; the global stream index is only logged.
	for pos, s := range streams {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		if _, skip := imageCodecs[strings.ToLower(s.CodecName)]; skip {
			e.logger.Debug().
				Str(log.FieldEvent, "subtitles.skip_image").
				Str(log.FieldVideo, video).
				Str("codec", s.CodecName).
				Int("stream", s.Index).
				Msg("skipping image-based subtitle stream")
			continue
		}
		lang := s.Tags.Language
		if lang == "" {
			lang = "und"
		}
		dst := fmt.Sprintf("%s.%s.srt", base, lang)
		if _, err := os.Stat(dst); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "subtitles.stat_failed").
				Str(log.FieldPath, dst).
				Msg("cannot stat subtitle target")
			continue
		}
		if err := e.extract(ctx, video, pos, dst); err != nil {
			e.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "subtitles.extract_failed").
				Str(log.FieldVideo, video).
				Str("lang", lang).
				Str("codec", s.CodecName).
				Msg("subtitle extraction failed")
			continue
		}
		if err := e.uploader.UploadSubtitle(ctx, item, dst, lang); err != nil {
			metrics.IncSubtitleUpload("failure")
			e.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "subtitles.upload_failed").
				Str(log.FieldVideo, video).
				Str("lang", lang).
				Msg("subtitle upload failed")
			continue
		}
		metrics.IncSubtitleUpload("success")
		uploaded++
		e.logger.Info().
			Str(log.FieldEvent, "subtitles.uploaded").
			Str(log.FieldVideo, video).
			Str("lang", lang).
			Str(log.FieldServerID, item.RatingKey).
			Msg("subtitle uploaded")
	}
	return uploaded, nil
}

// probe lists the subtitle streams of video via ffprobe.
func (e *Extractor) probe(ctx context.Context, video string) ([]subtitleStream, error) {
	cmd := exec.CommandContext(ctx, e.ffprobeBin,
		"-v", "error",
		"-select_streams", "s",
		"-show_entries", "stream=index,codec_name:stream_tags=language",
		"-print_format", "json",
		video,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(video), err)
	}
	var data struct {
		Streams []subtitleStream `json:"streams"`
	}
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}
	return data.Streams, nil
}

// extract writes the subIndex-th subtitle stream of video to dst as SRT. A
// failed run removes the partial file so the next pass retries instead of
// treating it as an existing sidecar.
func (e *Extractor) extract(ctx context.Context, video string, subIndex int, dst string) error {
	cmd := exec.CommandContext(ctx, e.ffmpegBin,
		"-y",
		"-v", "error",
		"-i", video,
		"-map", fmt.Sprintf("0:s:%d", subIndex),
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("ffmpeg -map 0:s:%d: %w: %s", subIndex, err, truncate(stderr.String(), 300))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
