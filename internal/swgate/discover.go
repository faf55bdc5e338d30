package swgate

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discover walks the configured sitemaps (following nested indexes) and
// returns the same-origin paths they list, up to maxDiscovered. A sitemap
// that cannot be read is skipped; only cancellation is an error.
func (l *Lifecycle) discover(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	queue := make([]string, 0, len(l.sitemaps))
	for _, sm := range l.sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	for len(queue) > 0 && len(out) < l.maxDiscovered {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ref := queue[0]
		queue = queue[1:]
		u, err := l.origin.Parse(ref)
		if err != nil {
			l.log.Warn("install: bad sitemap reference", "ref", ref, "error", err)
			continue
		}
		if _, ok := seen[u.String()]; ok {
			continue
		}
		seen[u.String()] = struct{}{}

		doc, err := l.fetchSitemap(ctx, u)
		if err != nil {
			l.log.Warn("install: sitemap skipped", "sitemap", u.String(), "error", err)
			continue
		}
		queue = append(queue, doc.Sitemaps...)

		for _, loc := range doc.URLs {
			p, ok := l.sameOriginPath(loc)
			if !ok {
				continue
			}
			out = append(out, p)
			if len(out) >= l.maxDiscovered {
				break
			}
		}
	}
	return out, nil
}

func (l *Lifecycle) sameOriginPath(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := l.origin.Parse(loc)
	if err != nil || !strings.EqualFold(u.Host, l.origin.Host) {
		return "", false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, true
}

func (l *Lifecycle) fetchSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	snap, err := l.fetch.Fetch(ctx, NewGetRequest(u))
	if err != nil {
		return sitemapDoc{}, err
	}
	if snap.Status < 200 || snap.Status >= 300 {
		b := snap.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", snap.Status, strings.TrimSpace(string(b)))
	}

	body := snap.Body
	// Servers may send a .gz sitemap with or without Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
