package services

import (
	"context"

	"allocator/internal/aggregate"
	"allocator/internal/core"
	"allocator/internal/split"
	"allocator/internal/store"
)

// Engine is the surface the HTTP API and the CLI call: conversion, split
// computation, aggregation and the proposal workflow over one record store.
type Engine struct {
	Expenses   *ExpenseService
	Proposals  *ProposalService
	Accounts   *AccountService
	Incomes    *IncomeService
	Categories *CategoryService
	Users      *UserService

	store      store.RecordStore
	aggregator *aggregate.Aggregator
}

func NewEngine(st store.RecordStore, notifier ProposalNotifier) *Engine {
	proposals := NewProposalService(st, notifier)
	return &Engine{
		Expenses:   NewExpenseService(st, proposals),
		Proposals:  proposals,
		Accounts:   NewAccountService(st),
		Incomes:    NewIncomeService(st),
		Categories: NewCategoryService(st),
		Users:      NewUserService(st),
		store:      st,
		aggregator: aggregate.New(),
	}
}

// Store returns the record store the engine works on.
func (e *Engine) Store() store.RecordStore {
	return e.store
}

// Aggregator exposes the aggregator, mainly for its fallback counter.
func (e *Engine) Aggregator() *aggregate.Aggregator {
	return e.aggregator
}

// ConvertAmount re-expresses value between two frequency descriptors,
// treating unrecognised descriptors as monthly.
func (e *Engine) ConvertAmount(value float64, from, to string) float64 {
	return core.ConvertDescriptors(value, from, to)
}

// ComputeSplit returns the ratio per user for policy. self is the editing
// user; edits and locked only matter for per-dollar-custom.
func (e *Engine) ComputeSplit(policy split.Policy, users []string, self string, amount float64, edits []split.Edit, locked []string) (map[string]float64, error) {
	alloc, err := split.Compute(policy, users, self, amount, edits, locked)
	if err != nil {
		return nil, err
	}
	return alloc.Ratios(), nil
}

// Aggregate folds the given views and incomes into userID's totals.
func (e *Engine) Aggregate(views []core.ExpenseView, incomes []core.Income, target core.Frequency, userID string) aggregate.Summary {
	return e.aggregator.Aggregate(views, incomes, target, userID)
}

// Snapshot reads everything userID can see.
func (e *Engine) Snapshot(ctx context.Context, userID string) (aggregate.Snapshot, error) {
	var (
		snap aggregate.Snapshot
		err  error
	)
	if snap.Views, err = e.Expenses.ListViews(ctx, userID); err != nil {
		return snap, err
	}
	if snap.Incomes, err = e.Incomes.List(ctx, userID); err != nil {
		return snap, err
	}
	if snap.Accounts, err = e.Accounts.ListOwned(ctx, userID); err != nil {
		return snap, err
	}
	if snap.Categories, err = e.Categories.List(ctx); err != nil {
		return snap, err
	}
	if snap.Users, err = e.Users.List(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

// Dashboard re-reads the store and aggregates it for userID at target.
func (e *Engine) Dashboard(ctx context.Context, userID string, target core.Frequency) (aggregate.Summary, error) {
	snap, err := e.Snapshot(ctx, userID)
	if err != nil {
		return aggregate.Summary{}, err
	}
	return e.aggregator.Dashboard(snap, target, userID), nil
}

func (e *Engine) ProposeSplit(ctx context.Context, expenseID, fromUser, toUser string, ratio, amount float64) (string, error) {
	return e.Proposals.Propose(ctx, expenseID, fromUser, toUser, ratio, amount)
}

func (e *Engine) AcceptProposal(ctx context.Context, proposalID, actingUser string) error {
	return e.Proposals.Accept(ctx, proposalID, actingUser)
}

func (e *Engine) RejectProposal(ctx context.Context, proposalID, actingUser string) error {
	return e.Proposals.Reject(ctx, proposalID, actingUser)
}

func (e *Engine) ListPendingProposals(ctx context.Context, userID string) ([]core.SplitProposal, error) {
	return e.Proposals.PendingFor(ctx, userID)
}
