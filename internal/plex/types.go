package plex

import (
	"strconv"
)

// Section is one Plex library section.
type Section struct {
	ID        int
	Type      string // "show", "movie", ...
	Title     string
	Locations []string
}

// Item is the media-server record for one playable unit. RatingKey is the
// opaque server id used everywhere else in the synchroniser.
type Item struct {
	RatingKey string
	Type      string // "episode", "movie", ...
	Title     string
	SectionID string

	files []string
}

// Files returns the absolute file paths of all media parts backing the item.
func (i *Item) Files() []string {
	return i.files
}

// Fields is the set of sidecar-derived attributes an edit may write. Empty
// strings mean "not present" and are not sent.
type Fields struct {
	Title     string
	Summary   string
	Aired     string
	SortTitle string
}

// Empty reports whether no field is set.
func (f Fields) Empty() bool {
	return f.Title == "" && f.Summary == "" && f.Aired == "" && f.SortTitle == ""
}

// Plex search type codes.
const (
	typeMovie   = 1
	typeEpisode = 4
)

func searchTypeForSection(sectionType string) (int, bool) {
	switch sectionType {
	case "show":
		return typeEpisode, true
	case "movie", "video":
		return typeMovie, true
	default:
		return 0, false
	}
}

func typeCodeForItem(itemType string) (int, bool) {
	switch itemType {
	case "movie":
		return typeMovie, true
	case "episode":
		return typeEpisode, true
	default:
		return 0, false
	}
}

// Wire types. Plex answers with a MediaContainer whose children depend on
// the endpoint: Directory for section listings, Video for items.
type mediaContainer struct {
	Size             int         `xml:"size,attr"`
	LibrarySectionID string      `xml:"librarySectionID,attr"`
	Directories      []directory `xml:"Directory"`
	Videos           []video     `xml:"Video"`
}

type directory struct {
	Key       string     `xml:"key,attr"`
	Type      string     `xml:"type,attr"`
	Title     string     `xml:"title,attr"`
	Locations []location `xml:"Location"`
}

type location struct {
	Path string `xml:"path,attr"`
}

type video struct {
	RatingKey        string  `xml:"ratingKey,attr"`
	Key              string  `xml:"key,attr"`
	Type             string  `xml:"type,attr"`
	Title            string  `xml:"title,attr"`
	LibrarySectionID string  `xml:"librarySectionID,attr"`
	Media            []media `xml:"Media"`
}

type media struct {
	Parts []part `xml:"Part"`
}

type part struct {
	File string `xml:"file,attr"`
}

func (d directory) toSection() (Section, error) {
	id, err := strconv.Atoi(d.Key)
	if err != nil {
		return Section{}, err
	}
	sec := Section{ID: id, Type: d.Type, Title: d.Title}
	for _, loc := range d.Locations {
		sec.Locations = append(sec.Locations, loc.Path)
	}
	return sec, nil
}

func (v video) toItem(containerSectionID string) *Item {
	item := &Item{
		RatingKey: v.RatingKey,
		Type:      v.Type,
		Title:     v.Title,
		SectionID: v.LibrarySectionID,
	}
	if item.SectionID == "" {
		item.SectionID = containerSectionID
	}
	for _, m := range v.Media {
		for _, p := range m.Parts {
			if p.File != "" {
				item.files = append(item.files, p.File)
			}
		}
	}
	return item
}
