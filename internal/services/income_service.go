package services

import (
	"context"
	"fmt"
	"strings"

	"allocator/internal/core"
	"allocator/internal/store"
)

// IncomeService manages each user's own income records.
type IncomeService struct {
	store store.RecordStore
}

func NewIncomeService(st store.RecordStore) *IncomeService {
	return &IncomeService{store: st}
}

func (s *IncomeService) Create(ctx context.Context, actor, source string, amount float64, frequency string) (core.Income, error) {
	in := core.Income{
		UserID:    actor,
		Source:    strings.TrimSpace(source),
		RawAmount: core.NewAmount(amount, strings.TrimSpace(frequency)),
	}
	if err := validateIncome(in); err != nil {
		return core.Income{}, err
	}
	rec, err := s.store.Insert(ctx, store.TableIncome, store.Record{
		"user_id":       actor,
		"source":        in.Source,
		"raw_amount":    in.RawAmount.Value,
		"raw_frequency": in.RawAmount.Descriptor,
	})
	if err != nil {
		return core.Income{}, fmt.Errorf("insert income: %w", err)
	}
	return incomeFromRecord(rec), nil
}

func (s *IncomeService) Update(ctx context.Context, actor, incomeID, source string, amount float64, frequency string) (core.Income, error) {
	if err := s.authorize(ctx, actor, incomeID); err != nil {
		return core.Income{}, err
	}
	in := core.Income{
		ID:        incomeID,
		UserID:    actor,
		Source:    strings.TrimSpace(source),
		RawAmount: core.NewAmount(amount, strings.TrimSpace(frequency)),
	}
	if err := validateIncome(in); err != nil {
		return core.Income{}, err
	}
	patch := store.Record{
		"source":        in.Source,
		"raw_amount":    in.RawAmount.Value,
		"raw_frequency": in.RawAmount.Descriptor,
	}
	if err := s.store.Update(ctx, store.TableIncome, store.Where("id", incomeID), patch); err != nil {
		return core.Income{}, fmt.Errorf("update income: %w", err)
	}
	return in, nil
}

func (s *IncomeService) Delete(ctx context.Context, actor, incomeID string) error {
	if err := s.authorize(ctx, actor, incomeID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, store.TableIncome, store.Where("id", incomeID)); err != nil {
		return fmt.Errorf("delete income: %w", err)
	}
	return nil
}

// List returns userID's income records by source.
func (s *IncomeService) List(ctx context.Context, userID string) ([]core.Income, error) {
	rows, err := s.store.Query(ctx, store.TableIncome, store.Where("user_id", userID), store.Asc("source"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Income, 0, len(rows))
	for _, r := range rows {
		out = append(out, incomeFromRecord(r))
	}
	return out, nil
}

func (s *IncomeService) authorize(ctx context.Context, actor, incomeID string) error {
	if err := core.RequireID("id", incomeID); err != nil {
		return err
	}
	rec, err := getOne(ctx, s.store, store.TableIncome, incomeID)
	if err != nil {
		return err
	}
	if rec.Str("user_id") != actor {
		return &core.AuthorizationError{Actor: actor, Resource: "income " + incomeID}
	}
	return nil
}

func validateIncome(in core.Income) error {
	if strings.TrimSpace(in.RawAmount.Descriptor) == "" {
		return &core.ValidationError{Field: "frequency", Reason: "is required"}
	}
	return in.Validate()
}
