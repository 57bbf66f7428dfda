// Package profiles loads named session configurations from a YAML file:
//
//	profiles:
//	  reviewer:
//	    system_prompt: "Review the diff."
//	    allowed_tools: [Read, Grep]
//	    max_turns: 5
//
// Profiles keep the order of the file. A Store can watch its file and reload
// on change.
package profiles

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/assistant-relay/pkg/session"
)

type Profiles = *orderedmap.OrderedMap[string, session.Config]

type Store struct {
	path string

	mu       sync.RWMutex
	profiles Profiles
}

// Load reads path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, profiles: orderedmap.New[string, session.Config]()}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.set(orderedmap.New[string, session.Config]())
			return nil
		}
		return errors.Wrapf(err, "read profiles %s", s.path)
	}
	profiles, err := Parse(b)
	if err != nil {
		return errors.Wrapf(err, "parse profiles %s", s.path)
	}
	s.set(profiles)
	log.Debug().Str("component", "profiles").Str("path", s.path).Int("count", profiles.Len()).Msg("profiles loaded")
	return nil
}

func (s *Store) set(p Profiles) {
	s.mu.Lock()
	s.profiles = p
	s.mu.Unlock()
}

// Parse decodes a profiles document, keeping profile order.
func Parse(b []byte) (Profiles, error) {
	out := orderedmap.New[string, session.Config]()
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return out, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("root node is not a mapping")
	}
	var list *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "profiles" {
			list = root.Content[i+1]
		}
	}
	if list == nil {
		return out, nil
	}
	if list.Kind != yaml.MappingNode {
		return nil, errors.New("profiles node is not a mapping")
	}
	for i := 0; i+1 < len(list.Content); i += 2 {
		name := list.Content[i].Value
		var cfg session.Config
		if err := list.Content[i+1].Decode(&cfg); err != nil {
			return nil, errors.Wrapf(err, "profile %s", name)
		}
		out.Set(name, cfg)
	}
	return out, nil
}

// Names returns the profile names in file order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, s.profiles.Len())
	for pair := s.profiles.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Get returns a copy of the named profile's config.
func (s *Store) Get(name string) (session.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.profiles.Get(name)
	if !ok {
		return session.Config{}, false
	}
	return cfg.Clone(), true
}

// Watch reloads the store whenever its file changes, until ctx is done. The
// parent directory is watched so that editors replacing the file are seen.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create profiles watcher")
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Warn().Err(err).Str("component", "profiles").Msg("reload failed, keeping previous profiles")
				continue
			}
			log.Info().Str("component", "profiles").Str("path", s.path).Msg("profiles reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("component", "profiles").Msg("watcher error")
		}
	}
}

func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "could not get config dir")
	}
	return filepath.Join(configDir, "assistant-relay", "profiles.yaml"), nil
}
