package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"keyserver/internal/classifier"
	"keyserver/internal/license"
)

type mockCore struct {
	mock.Mock
}

func (m *mockCore) Issue(ctx context.Context, req license.IssueRequest) (*license.License, error) {
	args := m.Called(ctx, req)
	lic, _ := args.Get(0).(*license.License)
	return lic, args.Error(1)
}

func (m *mockCore) Activate(ctx context.Context, req license.ActivateRequest) (*license.ActivationResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*license.ActivationResult)
	return res, args.Error(1)
}

func (m *mockCore) ActivateWeb(ctx context.Context, req license.ActivateRequest) (*license.ActivationResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*license.ActivationResult)
	return res, args.Error(1)
}

func (m *mockCore) CheckUserID(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockCore) Lookup(ctx context.Context, key, email string) (*license.License, error) {
	args := m.Called(ctx, key, email)
	lic, _ := args.Get(0).(*license.License)
	return lic, args.Error(1)
}

type stubClassifier struct {
	verdict *classifier.Verdict
	err     error
	enabled bool
}

func (s stubClassifier) Classify(ctx context.Context, req classifier.Request) (*classifier.Verdict, error) {
	return s.verdict, s.err
}

func (s stubClassifier) Enabled() bool { return s.enabled }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
