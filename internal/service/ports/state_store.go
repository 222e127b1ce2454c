package ports

import "tabmind/internal/domain"

type StateStore interface {
	Read(func(st *domain.Settings))
	Write(func(st *domain.Settings) error) error
	Snapshot() domain.Settings
}
