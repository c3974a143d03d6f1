package language

import (
	"embed"
	"path"
	"strings"
)

//go:embed stopwords/*.txt
var stopWordFiles embed.FS

// loadStopWords reads the embedded lists, one word per line, keyed by
// language code.
func loadStopWords() map[string][]string {
	out := make(map[string][]string)
	entries, err := stopWordFiles.ReadDir("stopwords")
	if err != nil {
		return out
	}
	for _, e := range entries {
		data, err := stopWordFiles.ReadFile(path.Join("stopwords", e.Name()))
		if err != nil {
			continue
		}
		lang := strings.TrimSuffix(e.Name(), ".txt")
		for _, line := range strings.Split(string(data), "\n") {
			if w := strings.TrimSpace(line); w != "" {
				out[lang] = append(out[lang], w)
			}
		}
	}
	return out
}
