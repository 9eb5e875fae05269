package extraction

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// FullContent is the section name used when a label has no 【...】 headings
const FullContent = "__full_content__"

var heading = regexp.MustCompile(`(?m)^##\s*(【[^】]*】)\s*$`)

// Document is a drug label split into its 【...】 sections. Each section's
// text keeps its heading line.
type Document struct {
	ID       string
	Sections map[string]string
	// Duplicates lists section names that appeared more than once; the last wins
	Duplicates []string
}

// ParseDocument splits markdown label text on level-two 【...】 headings
func ParseDocument(id, content string) *Document {
	doc := &Document{ID: id, Sections: make(map[string]string)}

	locs := heading.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		doc.Sections[FullContent] = strings.TrimSpace(content)
		return doc
	}
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		name := content[loc[2]:loc[3]]
		if _, dup := doc.Sections[name]; dup {
			doc.Duplicates = append(doc.Duplicates, name)
		}
		doc.Sections[name] = strings.TrimSpace(content[loc[0]:end])
	}
	return doc
}

// ReadDocument parses the label at path; its ID is the file name
func ReadDocument(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return ParseDocument(filepath.Base(path), string(b)), nil
}

// CombinedText joins the named sections that exist, separated by a blank
// line. It returns false when none of them exist.
func (d *Document) CombinedText(names []string) (string, bool) {
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if text, ok := d.Sections[name]; ok {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n\n"), true
}
