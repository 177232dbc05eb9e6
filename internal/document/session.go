package document

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrNoDocument is returned by callers that require a loaded document.
var ErrNoDocument = errors.New("no document loaded")

// Session owns the active document and its page text cache. Text for a page
// is extracted at most once per loaded document, even when it is empty.
//
// Without a document, Get and GetRange return "" rather than an error; callers
// that need a document check Loaded first.
type Session struct {
	mu     sync.Mutex
	doc    Document
	name   string
	cache  *gocache.Cache
	logger *zap.Logger
}

// NewSession returns an empty session.
func NewSession(logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cache:  gocache.New(gocache.NoExpiration, 0),
		logger: logger,
	}
}

// Load replaces the active document, closing the previous one and discarding
// its cached text.
func (s *Session) Load(name string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc != nil {
		if err := s.doc.Close(); err != nil {
			s.logger.Warn("close previous document", zap.String("name", s.name), zap.Error(err))
		}
	}
	s.cache.Flush()
	s.doc = doc
	s.name = name
	s.logger.Info("document loaded", zap.String("name", name), zap.Int("pages", s.pageCountLocked()))
}

// Close releases the active document.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Flush()
	if s.doc == nil {
		return nil
	}
	err := s.doc.Close()
	s.doc = nil
	s.name = ""
	return err
}

// Loaded reports whether a document is active.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc != nil
}

// Name returns the display name of the active document.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// PageCount returns the number of pages, or 0 with no document.
func (s *Session) PageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCountLocked()
}

func (s *Session) pageCountLocked() int {
	if s.doc == nil {
		return 0
	}
	return s.doc.NumPages()
}

// Get returns the text of page n, its fragments joined by single spaces.
func (s *Session) Get(ctx context.Context, n int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return "", nil
	}
	key := strconv.Itoa(n)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(string), nil
	}
	page, err := s.doc.Page(n)
	if err != nil {
		return "", err
	}
	items, err := page.TextItems()
	if err != nil {
		return "", fmt.Errorf("page %d: %w", n, err)
	}
	text := strings.Join(items, " ")
	s.cache.Set(key, text, gocache.NoExpiration)
	s.logger.Debug("page text extracted", zap.Int("page", n), zap.Int("chars", len(text)))
	return text, nil
}

// GetRange concatenates "[Page i]\n<text>\n\n" for i in [lo, hi].
func (s *Session) GetRange(ctx context.Context, lo, hi int) (string, error) {
	var b strings.Builder
	for i := lo; i <= hi; i++ {
		text, err := s.Get(ctx, i)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "[Page %d]\n%s\n\n", i, text)
	}
	return b.String(), nil
}
