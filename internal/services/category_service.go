package services

import (
	"context"
	"fmt"
	"strings"

	"allocator/internal/core"
	"allocator/internal/store"
)

// CategoryService manages the shared category list.
type CategoryService struct {
	store store.RecordStore
}

func NewCategoryService(st store.RecordStore) *CategoryService {
	return &CategoryService{store: st}
}

// Create adds a category, returning the existing one when the name is
// already taken (case-insensitively).
func (s *CategoryService) Create(ctx context.Context, name string) (core.Category, error) {
	c := core.Category{Name: strings.TrimSpace(name)}
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	if existing, ok, err := s.FindByName(ctx, c.Name); err != nil || ok {
		return existing, err
	}
	rec, err := s.store.Insert(ctx, store.TableCategories, store.Record{"name": c.Name})
	if err != nil {
		return core.Category{}, fmt.Errorf("insert category: %w", err)
	}
	return categoryFromRecord(rec), nil
}

func (s *CategoryService) List(ctx context.Context) ([]core.Category, error) {
	rows, err := s.store.Query(ctx, store.TableCategories, nil, store.Asc("name"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, categoryFromRecord(r))
	}
	return out, nil
}

// FindByName looks a category up case-insensitively.
func (s *CategoryService) FindByName(ctx context.Context, name string) (core.Category, bool, error) {
	all, err := s.List(ctx)
	if err != nil {
		return core.Category{}, false, err
	}
	for _, c := range all {
		if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return c, true, nil
		}
	}
	return core.Category{}, false, nil
}

// UserService reads the users table for participant names.
type UserService struct {
	store store.RecordStore
}

func NewUserService(st store.RecordStore) *UserService {
	return &UserService{store: st}
}

func (s *UserService) List(ctx context.Context) ([]core.User, error) {
	rows, err := s.store.Query(ctx, store.TableUsers, nil, store.Asc("name"))
	if err != nil {
		return nil, err
	}
	out := make([]core.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, userFromRecord(r))
	}
	return out, nil
}

// FindByEmail returns the user whose email matches, ignoring case.
func (s *UserService) FindByEmail(ctx context.Context, email string) (core.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return core.User{}, &core.ValidationError{Field: "email", Reason: "is required"}
	}
	rows, err := s.store.Query(ctx, store.TableUsers, nil)
	if err != nil {
		return core.User{}, err
	}
	for _, r := range rows {
		if strings.EqualFold(r.Str("email"), email) {
			return userFromRecord(r), nil
		}
	}
	return core.User{}, &core.NotFoundError{Table: store.TableUsers, ID: email}
}

// Ensure creates the user row when missing, so that names resolve.
func (s *UserService) Ensure(ctx context.Context, u core.User) error {
	if err := core.RequireID("id", u.ID); err != nil {
		return err
	}
	if _, err := getOne(ctx, s.store, store.TableUsers, u.ID); err == nil || !isNotFound(err) {
		return err
	}
	_, err := s.store.Insert(ctx, store.TableUsers, store.Record{"id": u.ID, "name": u.Name, "email": nullable(u.Email)})
	return err
}
