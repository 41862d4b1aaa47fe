package main

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/fsutil"
)

// infoSuffix is the download metadata file the downloader writes next to
// each video.
const infoSuffix = ".info.json"

var thumbnailExts = []string{".jpg", ".jpeg", ".png", ".webp"}

// converter renders sidecar documents from download metadata.
type converter struct {
	template *Template
	logger   zerolog.Logger
	now      func() time.Time
}

// element is one node of the generated document. The document is small and
// template-ordered, so an explicit tree beats struct tags here.
type element struct {
	name  string
	attrs []xml.Attr
	text  string
	kids  []element
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// stem strips the metadata suffix: "a/b/clip.info.json" → "a/b/clip".
func stem(infoPath string) string {
	return strings.TrimSuffix(infoPath, infoSuffix)
}

// Convert renders the document for one metadata file. It returns false
// without error when the file is not eligible: no companion video, or the
// sidecar already exists and must not be clobbered.
func (c *converter) Convert(infoPath string) (bool, error) {
	base := stem(infoPath)
	if base == infoPath {
		return false, fmt.Errorf("not a %s file: %s", infoSuffix, infoPath)
	}

	if !hasCompanionVideo(base) {
		c.logger.Debug().Str("info", infoPath).Msg("no companion video, skipping")
		return false, nil
	}

	sidecar := base + fsutil.SidecarExt
	if _, err := os.Stat(sidecar); err == nil {
		c.logger.Debug().Str("sidecar", sidecar).Msg("sidecar exists, skipping")
		return false, nil
	}

	data, err := os.ReadFile(infoPath)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", infoPath, err)
	}
	var info map[string]any
	if err := json.Unmarshal(data, &info); err != nil {
		return false, fmt.Errorf("parse %s: %w", infoPath, err)
	}

	doc := c.build(base, info)
	out, err := render(doc)
	if err != nil {
		return false, fmt.Errorf("render %s: %w", sidecar, err)
	}
	if err := renameio.WriteFile(sidecar, out, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", sidecar, err)
	}

	c.logger.Info().Str("sidecar", sidecar).Msg("sidecar written")
	return true, nil
}

// build assembles the document tree in the fixed element order.
func (c *converter) build(base string, info map[string]any) element {
	root := element{name: "episodedetails"}

	for _, field := range fieldOrder {
		if !c.template.Enabled(field) {
			continue
		}
		source := field
		if field == "plot" {
			source = "description"
		}
		root.kids = append(root.kids, element{name: field, text: stringify(info[source])})
	}

	root.kids = append(root.kids, element{name: "thumb", text: findThumbnail(base, info)})

	for _, spec := range c.template.Ratings {
		name := spec.Name
		if name == "" {
			name = "youtube"
		}
		scale := spec.Max
		if scale == 0 {
			scale = 5
		}
		value := stringify(info["average_rating"])
		if value == "" {
			value = strconv.FormatFloat(spec.Value, 'f', -1, 64)
		}
		votes := stringify(info["view_count"])
		if votes == "" {
			votes = strconv.Itoa(spec.Votes)
		}
		root.kids = append(root.kids, element{
			name: "ratings",
			kids: []element{{
				name: "rating",
				attrs: []xml.Attr{
					attr("name", name),
					attr("max", strconv.Itoa(scale)),
					attr("default", strconv.FormatBool(spec.Default)),
				},
				kids: []element{
					{name: "value", text: value},
					{name: "votes", text: votes},
				},
			}},
		})
	}

	extractor := stringify(info["extractor_key"])
	if extractor == "" {
		extractor = "youtube"
	}
	root.kids = append(root.kids, element{
		name:  "uniqueid",
		attrs: []xml.Attr{attr("type", strings.ToLower(extractor)), attr("default", "true")},
		kids:  []element{{name: "value", text: stringify(info["id"])}},
	})

	if aired := airedDate(stringify(info["upload_date"])); aired != "" {
		root.kids = append(root.kids, element{name: "aired", text: aired})
	}
	root.kids = append(root.kids, element{name: "dateadded", text: c.now().Format("2006-01-02 15:04:05")})

	return root
}

// hasCompanionVideo reports whether any recognised video extension exists
// for the stem.
func hasCompanionVideo(base string) bool {
	for _, ext := range fsutil.VideoExts {
		if _, err := os.Stat(base + ext); err == nil {
			return true
		}
	}
	return false
}

// findThumbnail prefers a local image next to the video over the remote
// thumbnail URL from the metadata. Returns the basename so the sidecar
// stays relocatable with its directory.
func findThumbnail(base string, info map[string]any) string {
	for _, ext := range thumbnailExts {
		if _, err := os.Stat(base + ext); err == nil {
			return filepath.Base(base + ext)
		}
	}
	return stringify(info["thumbnail"])
}

// airedDate converts the downloader's compact upload date to the sidecar
// format, empty when absent or unparseable.
func airedDate(uploadDate string) string {
	if uploadDate == "" {
		return ""
	}
	t, err := time.Parse("20060102", uploadDate)
	if err != nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// stringify renders a decoded JSON value the way the sidecar expects:
// numbers without a trailing ".0", nil as empty.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// render serialises the tree with an XML declaration and 2-space indent.
func render(root element) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := encodeElement(enc, root); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeElement(enc *xml.Encoder, el element) error {
	start := xml.StartElement{Name: xml.Name{Local: el.name}, Attr: el.attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if el.text != "" {
		if err := enc.EncodeToken(xml.CharData(el.text)); err != nil {
			return err
		}
	}
	for _, kid := range el.kids {
		if err := encodeElement(enc, kid); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
