package buckets

import (
	"path/filepath"
	"strconv"
	"strings"
)

const (
	primaryPrefix  = "db_"
	replicaPrefix  = "rb_"
	hotPrefix      = "hot_"
	disabledMarker = "DISABLED"
)

// Classify derives a Bucket from a directory name. It never fails: names
// that do not follow the db_<latest>_<earliest>_<seq>[_<suffix>] form are
// returned with KindUnknown.
func Classify(name string) Bucket {
	b := Bucket{Name: name, Kind: KindUnknown}

	if strings.Contains(name, disabledMarker) {
		return b
	}

	switch {
	case strings.HasPrefix(name, primaryPrefix):
		latest, earliest, ok := parseTimeRange(name[len(primaryPrefix):])
		if !ok {
			return b
		}
		b.Kind = KindPrimary
		b.Latest, b.Earliest = latest, earliest
	case strings.HasPrefix(name, replicaPrefix):
		b.Kind = KindReplica
		if latest, earliest, ok := parseTimeRange(name[len(replicaPrefix):]); ok {
			b.Latest, b.Earliest = latest, earliest
		}
	case strings.HasPrefix(name, hotPrefix):
		b.Kind = KindHot
	}

	return b
}

// ClassifyPath classifies the base name of path and records the full path.
func ClassifyPath(path string) Bucket {
	b := Classify(filepath.Base(path))
	b.Path = path
	return b
}

// parseTimeRange parses "<latest>_<earliest>_<seq>[_<suffix>]".
func parseTimeRange(rest string) (latest, earliest int64, ok bool) {
	parts := strings.Split(rest, "_")
	if len(parts) != 3 && len(parts) != 4 {
		return 0, 0, false
	}

	latest, ok = parseEpoch(parts[0])
	if !ok {
		return 0, 0, false
	}
	earliest, ok = parseEpoch(parts[1])
	if !ok {
		return 0, 0, false
	}
	if _, err := strconv.ParseUint(parts[2], 10, 64); err != nil {
		return 0, 0, false
	}
	if len(parts) == 4 && parts[3] == "" {
		return 0, 0, false
	}
	if earliest > latest {
		return 0, 0, false
	}

	return latest, earliest, true
}

// parseEpoch accepts only ASCII digits, so signs and spaces make the name
// Unknown.
func parseEpoch(field string) (int64, bool) {
	if field == "" {
		return 0, false
	}
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// containerDirs are the standard per-index bucket containers.
var containerDirs = map[string]bool{
	"db":       true,
	"colddb":   true,
	"thaweddb": true,
}

// indexName derives the index a bucket directory belongs to from the
// directory holding it: .../<index>/db/<bucket> or .../<index>/<bucket>.
func indexName(parent string) string {
	parent = filepath.Clean(parent)
	base := filepath.Base(parent)
	if containerDirs[base] {
		base = filepath.Base(filepath.Dir(parent))
	}
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
