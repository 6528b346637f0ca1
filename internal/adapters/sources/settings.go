package sources

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Settings is the per-provider part of the sources config that adapters consume.
type Settings struct {
	URLTemplate string // placeholders: {id} {page} {size} {offset}
	PageSize    int
	Headers     http.Header
}

func (s Settings) URL(id string, page int) string {
	size := s.PageSize
	if size <= 0 {
		size = 50
	}
	r := strings.NewReplacer(
		"{id}", url.PathEscape(id),
		"{page}", strconv.Itoa(page),
		"{size}", strconv.Itoa(size),
		"{offset}", strconv.Itoa((page-1)*size),
	)
	return r.Replace(s.URLTemplate)
}

// ExternalID returns the listing ID: the first capture of re when ref is a
// URL that matches, ref itself otherwise.
func ExternalID(ref string, re *regexp.Regexp) string {
	ref = strings.TrimSpace(ref)
	if m := re.FindStringSubmatch(ref); len(m) > 1 {
		return m[1]
	}
	return ref
}

// LookupAny: safe nested lookup with dot paths on maps.
func LookupAny(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := obj[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// FirstString returns the first path holding a non-empty scalar, rendered as text.
func FirstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		switch v := LookupAny(m, p).(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// FirstInt reads an integer from several paths (float64 or numeric string).
func FirstInt(m map[string]any, paths ...string) (int, bool) {
	for _, p := range paths {
		switch v := LookupAny(m, p).(type) {
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

var spaces = regexp.MustCompile(`\s+`)

// CollapseSpace trims and squeezes runs of whitespace into one space.
func CollapseSpace(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
