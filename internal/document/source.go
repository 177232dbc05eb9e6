package document

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	arxivURLRegexp = regexp.MustCompile(`(?i)arxiv\.org/(?:abs|pdf)/([0-9a-z.\-]+?)(?:v[0-9]+)?(?:\.pdf)?$`)
	arxivIDRegexp  = regexp.MustCompile(`^[0-9]{4}\.[0-9]{4,5}(?:v[0-9]+)?$`)
)

// Source is a resolved location for a document.
type Source struct {
	Name string
	Path string
	URL  string
}

// Resolve classifies input as a local file, an http(s) URL or an arXiv
// identifier (with or without the "arxiv:" prefix).
func Resolve(input string) (Source, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Source{}, errors.New("empty document source")
	}
	if info, err := os.Stat(input); err == nil && !info.IsDir() {
		return Source{Name: filepath.Base(input), Path: input}, nil
	}
	if u, err := url.Parse(input); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		if id := arxivIdentifier(input); id != "" {
			return arxivSource(id), nil
		}
		name := path.Base(u.Path)
		if name == "" || name == "/" || name == "." {
			name = u.Host
		}
		return Source{Name: name, URL: input}, nil
	}
	if id := arxivIdentifier(input); id != "" {
		return arxivSource(id), nil
	}
	return Source{}, fmt.Errorf("unable to resolve document %q: not a file, URL or arXiv id", input)
}

func arxivSource(id string) Source {
	return Source{Name: "arXiv:" + id, URL: fmt.Sprintf("https://arxiv.org/pdf/%s.pdf", id)}
}

func arxivIdentifier(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if matches := arxivURLRegexp.FindStringSubmatch(input); len(matches) > 1 {
		return matches[1]
	}
	if len(input) > len("arxiv:") && strings.EqualFold(input[:len("arxiv:")], "arxiv:") {
		input = strings.TrimSpace(input[len("arxiv:"):])
	}
	if arxivIDRegexp.MatchString(input) {
		return input
	}
	return ""
}

// Open resolves input and opens the document, downloading through fetcher
// when the source is remote.
func Open(ctx context.Context, input string, fetcher *Fetcher) (string, Document, error) {
	src, err := Resolve(input)
	if err != nil {
		return "", nil, err
	}
	localPath := src.Path
	if src.URL != "" {
		if fetcher == nil {
			return "", nil, fmt.Errorf("cannot download %s: no fetcher configured", src.URL)
		}
		localPath, err = fetcher.Fetch(ctx, src.URL)
		if err != nil {
			return "", nil, err
		}
	}
	doc, err := OpenFile(localPath)
	if err != nil {
		return "", nil, err
	}
	return src.Name, doc, nil
}
