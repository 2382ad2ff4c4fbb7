package downloader

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

const fallbackName = "download"

// FileName derives a destination file name from link: its final path segment,
// or the "v" query value (or the sanitized query) when the segment is empty or
// a bare "watch". The ".<format>" suffix is appended when format is supported
// and the name does not already carry it.
func FileName(link string, format bundle.Format, supported map[bundle.Format]struct{}) string {
	name := baseName(link)
	if _, ok := supported[format]; ok && format != bundle.FormatNone {
		suffix := "." + string(format)
		if !strings.HasSuffix(strings.ToLower(name), suffix) {
			name += suffix
		}
	}
	return name
}

func baseName(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return fallbackName
	}
	segs := strings.Split(u.Path, "/")
	seg := segs[len(segs)-1]
	if seg == "" || seg == "watch" {
		q := u.Query()
		switch {
		case q.Get("v") != "":
			seg = q.Get("v")
		case u.RawQuery != "":
			seg = u.RawQuery
		}
	}
	if name := sanitize(seg); name != "" {
		return name
	}
	return fallbackName
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if strings.Trim(out, "_") == "" {
		return ""
	}
	return out
}

// namer hands out unique names within one job.
type namer struct {
	used map[string]struct{}
}

func newNamer() *namer {
	return &namer{used: make(map[string]struct{})}
}

func (n *namer) unique(name string) string {
	if _, taken := n.used[name]; !taken {
		n.used[name] = struct{}{}
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := stem + "-" + strconv.Itoa(i) + ext
		if _, taken := n.used[candidate]; !taken {
			n.used[candidate] = struct{}{}
			return candidate
		}
	}
}
