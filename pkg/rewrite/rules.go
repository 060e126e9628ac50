package rewrite

import "strings"

// AdSelector matches elements whose class or id contains "ad" anywhere,
// including words such as "header" or "gradient".
const AdSelector = "[class*='ad'], [id*='ad']"

// Remove is a Handler that drops the matched element.
func Remove(el *Element) error {
	el.Remove()
	return nil
}

// ProxyAttr returns a Handler that points attr back at proxyBase when its value
// starts with "http". The original value is embedded verbatim, not percent-encoded.
func ProxyAttr(proxyBase, attr string) Handler {
	return func(el *Element) error {
		v, ok := el.Attr(attr)
		if !ok || !strings.HasPrefix(v, "http") {
			return nil
		}
		el.PrefixAttr(attr, ProxyPrefix(proxyBase))
		return nil
	}
}

// ProxyPrefix is what ProxyAttr puts in front of a proxied value.
func ProxyPrefix(proxyBase string) string {
	return proxyBase + "?url="
}

// Default returns a Rewriter that strips likely ads and routes absolute
// anchor and image URLs through proxyBase.
func Default(proxyBase string, limits Limits) *Rewriter {
	rw := New(limits)
	rw.MustOn(AdSelector, Remove)
	rw.MustOn("a[href]", ProxyAttr(proxyBase, "href"))
	rw.MustOn("img[src]", ProxyAttr(proxyBase, "src"))
	return rw
}
