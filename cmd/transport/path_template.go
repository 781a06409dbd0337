package transport

import (
	"path"
	"strings"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

// DefaultPathTemplate places each bucket under its index.
const DefaultPathTemplate = "{index}/{bucket}"

const unknownIndex = "_unknown"

// PathTemplate provides functionality to generate object paths from templates
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	if template == "" {
		template = DefaultPathTemplate
	}
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with values from b.
// Supports: {index}, {bucket}, {YYYY}, {MM}, {DD}, {HH}; dates are the
// bucket's earliest event time in UTC.
func (pt *PathTemplate) Generate(b buckets.Bucket) string {
	result := pt.template

	index := b.Index
	if index == "" {
		index = unknownIndex
	}
	result = strings.ReplaceAll(result, "{index}", index)
	result = strings.ReplaceAll(result, "{bucket}", b.Name)

	timestamp := time.Unix(b.Earliest, 0).UTC()
	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))

	return strings.TrimPrefix(path.Clean("/"+result), "/")
}

// HasBucketPlaceholder reports whether every bucket gets a distinct path.
func (pt *PathTemplate) HasBucketPlaceholder() bool {
	return strings.Contains(pt.template, "{bucket}")
}
