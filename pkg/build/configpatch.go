package build

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Config patching is deliberately textual. Workspaces are generated
// code; parsing arbitrary JS/TS configs is not worth it when the
// injected keys only need to land inside the top-level config object.

var (
	reNextConfigObject = regexp.MustCompile(`(?s)(const\s+nextConfig(?:\s*:\s*[\w.]+)?\s*=\s*\{|module\.exports\s*=\s*\{|export\s+default\s+\{)`)
	reViteDefineConfig = regexp.MustCompile(`defineConfig\s*\(\s*\{`)
)

// patchNextConfig injects basePath and assetPrefix into a next config.
// Returns the patched content and whether anything changed; a config
// that already sets basePath is left alone.
func patchNextConfig(content, basePath string) (string, bool) {
	if strings.Contains(content, "basePath") {
		return content, false
	}
	loc := reNextConfigObject.FindStringIndex(content)
	if loc == nil {
		return content, false
	}
	injection := fmt.Sprintf("\n  basePath: %q,\n  assetPrefix: %q,", basePath, basePath)
	return content[:loc[1]] + injection + content[loc[1]:], true
}

// patchViteConfig injects base into a vite config's defineConfig call.
func patchViteConfig(content, basePath string) (string, bool) {
	if regexp.MustCompile(`\bbase\s*:`).MatchString(content) {
		return content, false
	}
	loc := reViteDefineConfig.FindStringIndex(content)
	if loc == nil {
		return content, false
	}
	injection := fmt.Sprintf("\n  base: %q,", basePath+"/")
	return content[:loc[1]] + injection + content[loc[1]:], true
}

// spaFallbackScript restores deep links for static SPAs: the edge
// serves index.html for unknown routes and this hands the original
// path back to the client router.
const spaFallbackScript = `<script>
(function () {
  var saved = sessionStorage.getItem('edward:spa-path');
  if (saved) {
    sessionStorage.removeItem('edward:spa-path');
    history.replaceState(null, '', saved);
  }
})();
</script>`

// InjectSPAFallback inserts the fallback script into an HTML document,
// before </head> when present, else before </body>, else appended.
// Idempotent across rebuilds.
func InjectSPAFallback(html []byte) []byte {
	if bytes.Contains(html, []byte("edward:spa-path")) {
		return html
	}
	script := []byte(spaFallbackScript)
	for _, closer := range [][]byte{[]byte("</head>"), []byte("</body>")} {
		if i := bytes.Index(html, closer); i >= 0 {
			out := make([]byte, 0, len(html)+len(script)+1)
			out = append(out, html[:i]...)
			out = append(out, script...)
			out = append(out, '\n')
			out = append(out, html[i:]...)
			return out
		}
	}
	return append(html, script...)
}
