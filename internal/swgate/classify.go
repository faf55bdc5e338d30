package swgate

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the routing class of an intercepted GET request.
type Class int

const (
	ClassNavigation Class = iota + 1
	ClassImage
	ClassStyleOrScript
	ClassCacheableAPI
	ClassNoncacheableAPI
	ClassExternalImage
	ClassExternalOther
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation-html"
	case ClassImage:
		return "image-asset"
	case ClassStyleOrScript:
		return "style-or-script"
	case ClassCacheableAPI:
		return "cacheable-api"
	case ClassNoncacheableAPI:
		return "noncacheable-api"
	case ClassExternalImage:
		return "external-allowlisted-image"
	case ClassExternalOther:
		return "external-other"
	default:
		return "unclassified"
	}
}

// Classifier assigns exactly one Class to every GET request. It holds only
// data and is safe for concurrent use.
type Classifier struct {
	origin *url.URL

	apiPrefix string
	cacheable map[string][]APIPattern // by path

	imageExts map[string]struct{}
	assetExts map[string]struct{}

	storageDomain string
	publicSegment string
	buckets       map[string]struct{}
}

func NewClassifier(origin *url.URL, rc RoutingConfig) *Classifier {
	c := &Classifier{
		origin:        origin,
		apiPrefix:     rc.APIPrefix,
		cacheable:     map[string][]APIPattern{},
		imageExts:     setOf(rc.ImageExts),
		assetExts:     setOf(rc.AssetExts),
		storageDomain: strings.ToLower(rc.StorageDomain),
		publicSegment: rc.PublicSegment,
		buckets:       setOf(rc.Buckets),
	}
	for _, p := range rc.CacheableAPI {
		c.cacheable[p.Path] = append(c.cacheable[p.Path], p)
	}
	return c
}

func setOf(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[strings.ToLower(strings.TrimPrefix(v, "."))] = struct{}{}
	}
	return out
}

// Classify returns the request's class. ok is false for non-GET requests,
// which are never routed through a strategy.
func (c *Classifier) Classify(req Request) (_ Class, ok bool) {
	if req.Method != http.MethodGet {
		return 0, false
	}
	u := req.URL
	if !c.sameOrigin(u) {
		if c.isAllowlistedImage(u) {
			return ClassExternalImage, true
		}
		return ClassExternalOther, true
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	switch {
	case req.IsNavigation():
		return ClassNavigation, true
	case c.isCacheableAPI(p, u.Query()):
		return ClassCacheableAPI, true
	case strings.HasPrefix(p, c.apiPrefix):
		return ClassNoncacheableAPI, true
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if _, ok := c.imageExts[ext]; ok {
		return ClassImage, true
	}
	if _, ok := c.assetExts[ext]; ok {
		return ClassStyleOrScript, true
	}
	// Anything unmatched passes straight through.
	return ClassExternalOther, true
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func (c *Classifier) isCacheableAPI(p string, q url.Values) bool {
	for _, pat := range c.cacheable[p] {
		if pat.Param == "" || q.Get(pat.Param) == pat.Value {
			return true
		}
	}
	return false
}

// isAllowlistedImage matches public objects of the listed buckets on the
// storage provider, e.g. https://x.supabase.co/storage/v1/object/public/hero-images/a.jpg.
func (c *Classifier) isAllowlistedImage(u *url.URL) bool {
	if !c.isStorageHost(u) {
		return false
	}
	i := strings.Index(u.Path, c.publicSegment)
	if i < 0 {
		return false
	}
	rest := u.Path[i+len(c.publicSegment):]
	bucket, _, _ := strings.Cut(rest, "/")
	_, ok := c.buckets[strings.ToLower(bucket)]
	return ok
}

func (c *Classifier) isStorageHost(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == c.storageDomain || strings.HasSuffix(host, "."+c.storageDomain)
}
