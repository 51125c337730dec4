package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
)

//go:embed fallback/domains.json
var bundledDomains []byte

// LoadFallback reads the bundled domain list, or the file at path when it
// is set. An empty list is returned as ErrParseFailed like any other
// unusable payload.
func LoadFallback(path string) ([]string, error) {
	var r io.Reader = bytes.NewReader(bundledDomains)
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open fallback list: %w", err)
		}
		defer f.Close()
		r = f
	}

	domains, _, err := ParseDomains(r)
	if err != nil {
		return nil, err
	}
	return domains, nil
}
