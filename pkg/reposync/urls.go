package reposync

import (
	"net/url"
	"strings"
)

// resolveURL absolutizes an upstream-provided reference against the
// repository base. Handles absolute, protocol-relative (//host/…),
// host-relative (/…) and plain relative forms.
func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// marketplaceHosts are registries whose provider documents omit dist
// entries but that serve archives at a conventional path
var marketplaceHosts = map[string]bool{
	"repo.magento.com":        true,
	"marketplace.magento.com": true,
}

// synthesizeDistURL builds the conventional archive URL for versions
// whose metadata carries no dist entry. Only recognized registry hosts
// qualify; everything else stays unmirrorable.
func synthesizeDistURL(base, name, version string) string {
	u, err := url.Parse(base)
	if err != nil || !marketplaceHosts[u.Host] {
		return ""
	}
	vendor, pkg, ok := strings.Cut(name, "/")
	if !ok {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/archives/" + vendor + "/" + pkg + "/" +
		vendor + "-" + pkg + "-" + version + ".zip"
}
