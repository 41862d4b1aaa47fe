// Package nfo reads sidecar descriptor files: XML documents carrying the
// metadata an external downloader wrote next to a video file. Parsing is
// deliberately lenient because the files are produced by many tool versions
// and are occasionally hand-edited.
package nfo

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrRead marks a sidecar that exists but could not be read.
	ErrRead = errors.New("nfo: read failed")

	// ErrParse marks bytes that yield no usable XML root even with the
	// lenient decoder.
	ErrParse = errors.New("nfo: no parseable document")
)

// Fields are the descriptor attributes the synchroniser applies to a server
// item. Empty string means the element was absent or blank.
type Fields struct {
	Title     string // <title>
	Plot      string // <plot>, written as the item summary
	Aired     string // <aired>, written as the original air date
	SortTitle string // <titleSort>, falls back to Title
}

// Empty reports whether no field carries a value.
func (f Fields) Empty() bool {
	return f.Title == "" && f.Plot == "" && f.Aired == "" && f.SortTitle == ""
}

// Hash returns the MD5 hex digest of raw sidecar bytes. The digest is the
// idempotence key: it is computed over the payload verbatim, before any
// normalisation, so callers can gate on it without parsing.
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Read loads the sidecar at path and returns its fields together with the
// hash of the raw bytes.
func Read(path string) (Fields, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fields{}, "", fmt.Errorf("%w: %s: %v", ErrRead, path, err)
	}
	return Parse(data)
}

// Parse extracts the known fields from raw sidecar bytes and returns them
// with the hash of the input.
func Parse(data []byte) (Fields, string, error) {
	hash := Hash(data)

	fields, err := decode(data)
	if err != nil {
		return Fields{}, "", err
	}

	if fields.SortTitle == "" {
		fields.SortTitle = fields.Title
	}
	return fields, hash, nil
}

// decode scans the token stream for the document root and collects the text
// of the direct children it knows. Unknown children are skipped whole. Junk
// before the first element and decoder errors after the root was found are
// tolerated; the fields collected so far win.
func decode(data []byte) (Fields, error) {
	// Recover from byte junk ahead of the document the way a recovering
	// parser would: start at the first angle bracket.
	if i := bytes.IndexByte(data, '<'); i > 0 {
		data = data[i:]
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		// Declared charsets are taken at face value; the files are UTF-8
		// in practice and mislabelled often enough that failing hard on
		// the label would reject good payloads.
		return input, nil
	}

	var fields Fields
	rootSeen := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			if rootSeen {
				break
			}
			return Fields{}, fmt.Errorf("%w: %v", ErrParse, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !rootSeen {
			rootSeen = true
			continue
		}

		// Direct child of the root.
		switch start.Name.Local {
		case "title":
			fields.Title = readText(dec)
		case "plot":
			fields.Plot = readText(dec)
		case "aired":
			fields.Aired = readText(dec)
		case "titleSort":
			fields.SortTitle = readText(dec)
		default:
			// Skip the whole subtree so nested elements are not mistaken
			// for root children.
			_ = dec.Skip()
		}
	}

	if !rootSeen {
		return Fields{}, fmt.Errorf("%w: no root element", ErrParse)
	}
	return fields, nil
}

// readText collects the character data of an element, trimmed and NFC
// normalised. Decoder errors inside the element yield whatever text was
// gathered before the error.
func readText(dec *xml.Decoder) string {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.CharData:
			if depth == 1 {
				sb.Write(t)
			}
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return norm.NFC.String(strings.TrimSpace(sb.String()))
}
