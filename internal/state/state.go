// Package state persists per-project choices, such as the selected server,
// between runs.
package state

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/mitchellh/go-homedir"
)

const StateDir = ".sftp-sync"
const StateFile = "state.json"

type ProjectState struct {
	SelectedServer string `json:"selected_server,omitempty"`
	// Cleared records an explicit return to path resolution, which also
	// overrides selected_server from the config.
	Cleared    bool      `json:"cleared,omitempty"`
	LastAccess time.Time `json:"last_access"`
}

type State struct {
	// Projects is keyed by the absolute path of the project's config file.
	Projects map[string]ProjectState `json:"projects"`
}

type Store struct {
	dir string
}

// NewStore keeps state under dir, or DefaultDir when dir is empty.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Store{dir: dir}
}

func DefaultDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(os.TempDir(), StateDir)
	}
	return filepath.Join(home, StateDir)
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, StateFile)
}

func (s *Store) Load() (*State, error) {
	st := &State{Projects: map[string]ProjectState{}}
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	if st.Projects == nil {
		st.Projects = map[string]ProjectState{}
	}
	return st, nil
}

func (s *Store) Save(st *State) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path())
}

// Selected returns the server remembered for project. saved is false when
// no choice was ever made; an empty server with saved set means the
// selection was cleared.
func (s *Store) Selected(project string) (server string, saved bool, err error) {
	st, err := s.Load()
	if err != nil {
		return "", false, err
	}
	ps := st.Projects[project]
	return ps.SelectedServer, ps.SelectedServer != "" || ps.Cleared, nil
}

// SetSelected remembers server for project. An empty server clears it.
func (s *Store) SetSelected(project, server string) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	st.Projects[project] = ProjectState{
		SelectedServer: server,
		Cleared:        server == "",
		LastAccess:     time.Now(),
	}
	return s.Save(st)
}
