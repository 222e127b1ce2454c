package adapters

import (
	"errors"

	"tabmind/internal/domain"
	"tabmind/internal/repo"
)

type RepoStateStore struct {
	Store *repo.Store
}

func NewRepoStateStore(store *repo.Store) RepoStateStore {
	return RepoStateStore{Store: store}
}

func (s RepoStateStore) Read(fn func(st *domain.Settings)) {
	if s.Store == nil {
		return
	}
	s.Store.Read(fn)
}

func (s RepoStateStore) Write(fn func(st *domain.Settings) error) error {
	if s.Store == nil {
		return errors.New("state store is unavailable")
	}
	return s.Store.Write(fn)
}

func (s RepoStateStore) Snapshot() domain.Settings {
	if s.Store == nil {
		return repo.DefaultSettings()
	}
	return s.Store.Snapshot()
}
