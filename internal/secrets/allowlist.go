package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds content patterns that are never redacted.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads an allowlist file of the form
//
//	[allowlist]
//	regexes = ["example\\.internal", "^sk-test-"]
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}

func (a *Allowlist) compile() ([]*regexp.Regexp, error) {
	if a == nil {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(a.Regexes))
	for _, pattern := range a.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}
