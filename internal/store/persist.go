package store

import "github.com/jackzampolin/bookdrop/internal/books"

// Persister mirrors store mutations to durable storage. Save and Delete are
// fire-and-forget; implementations may batch them.
type Persister interface {
	Save(rec books.Record)
	Delete(id string)
	LoadAll() ([]books.Record, error)
}

type nopPersister struct{}

func (nopPersister) Save(books.Record)                 {}
func (nopPersister) Delete(string)                     {}
func (nopPersister) LoadAll() ([]books.Record, error) { return nil, nil }
