package database

import (
	"errors"

	"cadenza/internal/auth"
	"cadenza/pkg/models"
)

// IdentityStore adapts the users table to auth.UserStore.
type IdentityStore struct {
	db *Database
}

// NewIdentityStore returns an auth.UserStore backed by db.
func NewIdentityStore(db *Database) *IdentityStore {
	return &IdentityStore{db: db}
}

func (s *IdentityStore) FindByUsername(username string) (*models.User, error) {
	user, err := s.db.FindUserByUsername(username)
	return user, translate(err)
}

func (s *IdentityStore) FindByID(id string) (*models.User, error) {
	user, err := s.db.FindUserByID(id)
	return user, translate(err)
}

func (s *IdentityStore) Create(user models.User) error {
	return translate(s.db.CreateUser(user))
}

func (s *IdentityStore) CountAdmins() (int, error) {
	return s.db.CountAdmins()
}

func translate(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return auth.ErrNotFound
	case errors.Is(err, ErrDuplicate):
		return auth.ErrDuplicate
	}
	return err
}

var _ auth.UserStore = (*IdentityStore)(nil)
