package preview

import (
	"mime"
	"regexp"
	"strings"
)

// rewritableTypes are the media types whose bodies may carry root-relative
// asset references.
var rewritableTypes = map[string]bool{
	"text/html":              true,
	"text/css":               true,
	"application/javascript": true,
	"text/javascript":        true,
}

// assetRef matches a root-relative reference to the framework's static
// assets, the favicon, or a JSON file at the root, preceded by a quote,
// an opening parenthesis, an equals sign or whitespace.
var assetRef = regexp.MustCompile("([\"'`(=\\s])/(_next/|favicon\\.ico\\b|[\\w.-]+\\.json\\b)")

func rewritable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return rewritableTypes[strings.ToLower(mediaType)]
}

// RewriteAssets prefixes root-relative asset references in body with
// prefix, so that they resolve through the session's proxy path.
func RewriteAssets(body []byte, prefix string) []byte {
	return assetRef.ReplaceAll(body, []byte("${1}"+prefix+"/${2}"))
}
