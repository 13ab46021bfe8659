package session

import (
	"github.com/chazu/sling/diag"
	"github.com/chazu/sling/parse"
	"github.com/chazu/sling/store"
	"github.com/chazu/sling/svm"
)

// CompileSource compiles source text to an SVM program. When the session
// was created with a store path, compiled programs are cached by source
// hash and later compilations of identical text are served from the
// cache.
func (s *Session) CompileSource(src, name string) (*svm.Program, error) {
	key := store.HashSource(src)
	if s.progStore != nil {
		if cached, err := s.progStore.Get(key); err == nil {
			s.log.Debugf("session %s: compile cache hit for %s", s.ID, key)
			return cached, nil
		} else if err != store.ErrNotFound {
			return nil, err
		}
	}

	prog, err := parse.Program(src, name)
	if err != nil {
		if d, ok := err.(diag.Diagnostic); ok {
			s.errors = append(s.errors, d)
		}
		return nil, err
	}
	compiled, err := svm.Compile(prog, svm.DefaultPrimitives(s.Level))
	if err != nil {
		if d, ok := err.(diag.Diagnostic); ok {
			s.errors = append(s.errors, d)
		}
		return nil, err
	}

	if s.progStore != nil {
		if err := s.progStore.Put(key, compiled); err != nil {
			return nil, err
		}
	}
	return compiled, nil
}

// Close releases session resources. The session cannot be used afterwards.
func (s *Session) Close() error {
	if s.progStore != nil {
		return s.progStore.Close()
	}
	return nil
}
