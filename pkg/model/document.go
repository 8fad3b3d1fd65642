package model

import (
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type DocumentID string

type Category string

const (
	CategoryTechnology Category = "technology"
	CategoryScience    Category = "science"
	CategoryBusiness   Category = "business"
	CategoryHealth     Category = "health"
	CategoryEducation  Category = "education"
)

// DefaultCategories is the built-in taxonomy. The admission policy may extend it.
var DefaultCategories = []Category{
	CategoryTechnology,
	CategoryScience,
	CategoryBusiness,
	CategoryHealth,
	CategoryEducation,
}

// Payload keys of a knowledge document record
const (
	PayloadTitle     = "title"
	PayloadContent   = "content"
	PayloadCategory  = "category"
	PayloadTags      = "tags"
	PayloadTimestamp = "timestamp"
)

// Document is a knowledge base entry. It is immutable once indexed and its ID is
// assigned by the vector index on upsert.
type Document struct {
	ID        DocumentID `json:"id" yaml:"-"`
	Title     string     `json:"title" yaml:"title"`
	Content   string     `json:"content" yaml:"content"`
	Category  Category   `json:"category" yaml:"category"`
	Tags      []string   `json:"tags,omitempty" yaml:"tags"`
	Timestamp time.Time  `json:"timestamp" yaml:"-"`
}

// Validate checks required fields. Category membership is decided by the
// admission policy, not here.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return goerr.Wrap(ErrInvalidArgument, "title is required")
	}
	if strings.TrimSpace(d.Content) == "" {
		return goerr.Wrap(ErrInvalidArgument, "content is required")
	}
	if strings.TrimSpace(string(d.Category)) == "" {
		return goerr.Wrap(ErrInvalidArgument, "category is required")
	}
	return nil
}

// EmbeddingText returns the text the document is embedded from
func (d *Document) EmbeddingText() string {
	return d.Title + "\n" + d.Content
}

// Payload converts the document into a vector record payload
func (d *Document) Payload() Payload {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return Payload{
		PayloadTitle:     d.Title,
		PayloadContent:   d.Content,
		PayloadCategory:  string(d.Category),
		PayloadTags:      tags,
		PayloadTimestamp: d.Timestamp.UTC().Format(time.RFC3339),
	}
}

// DocumentFromPayload restores a document from a vector record payload.
// Unknown or malformed fields are left empty.
func DocumentFromPayload(id string, p Payload) *Document {
	doc := &Document{
		ID:       DocumentID(id),
		Title:    p.String(PayloadTitle),
		Content:  p.String(PayloadContent),
		Category: Category(p.String(PayloadCategory)),
		Tags:     p.Strings(PayloadTags),
	}
	if ts, err := time.Parse(time.RFC3339, p.String(PayloadTimestamp)); err == nil {
		doc.Timestamp = ts
	}
	return doc
}

// NormalizeTags trims, drops empty entries and deduplicates tags, returning
// them sorted
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
