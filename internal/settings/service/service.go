// Package service resolves tenant billing settings and builds
// processor adapters from stored credentials.
package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dojoflow/internal/config"
	"github.com/smallbiznis/dojoflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	settingsdomain "github.com/smallbiznis/dojoflow/internal/settings/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Effective is the settings view consumers bill against, with policy
// defaults filled in for tenants that never customized anything.
type Effective struct {
	TenantID           snowflake.ID
	GraceDays          int
	MaxRetries         int
	DefaultCurrency    string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	DefaultProcessor   string
}

// ProviderAdapter pairs an adapter with the provider it serves.
type ProviderAdapter struct {
	Provider string
	Adapter  paymentdomain.ProcessorAdapter
}

type Service struct {
	db       *gorm.DB
	repo     settingsdomain.Repository
	dunning  *config.DunningConfigHolder
	registry *adapters.Registry
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Repo     settingsdomain.Repository
	Dunning  *config.DunningConfigHolder
	Registry *adapters.Registry
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		repo:     p.Repo,
		dunning:  p.Dunning,
		registry: p.Registry,
	}
}

func (s *Service) Effective(ctx context.Context, tenantID snowflake.ID) (Effective, error) {
	policy := s.dunning.Get()
	effective := Effective{
		TenantID:        tenantID,
		GraceDays:       policy.GraceDays,
		MaxRetries:      policy.DefaultMaxRetry,
		DefaultCurrency: "USD",
	}

	stored, err := s.repo.FindSettings(ctx, s.db, tenantID)
	if errors.Is(err, settingsdomain.ErrSettingsNotFound) {
		return effective, nil
	}
	if err != nil {
		return Effective{}, err
	}

	effective.GraceDays = stored.GraceDays
	effective.MaxRetries = stored.MaxRetries
	if stored.DefaultCurrency != "" {
		effective.DefaultCurrency = stored.DefaultCurrency
	}
	effective.CheckoutSuccessURL = stored.CheckoutSuccessURL
	effective.CheckoutCancelURL = stored.CheckoutCancelURL
	effective.DefaultProcessor = stored.DefaultProcessor
	return effective, nil
}

// AdapterFor builds an adapter from the tenant's stored credentials.
func (s *Service) AdapterFor(ctx context.Context, tenantID snowflake.ID, provider string) (paymentdomain.ProcessorAdapter, error) {
	config, err := s.repo.FindConfig(ctx, s.db, tenantID, provider)
	if err != nil {
		return nil, err
	}
	if !config.IsActive {
		return nil, settingsdomain.ErrConfigNotFound
	}
	return s.registry.NewAdapter(config.Provider, paymentdomain.AdapterConfig{
		TenantID: tenantID,
		Config:   map[string]any(config.Config),
	})
}

// ActiveAdapters builds adapters for every provider the tenant has
// enabled, in provider order.
func (s *Service) ActiveAdapters(ctx context.Context, tenantID snowflake.ID) ([]ProviderAdapter, error) {
	configs, err := s.repo.ListActiveConfigs(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}

	out := make([]ProviderAdapter, 0, len(configs))
	for _, cfg := range configs {
		adapter, err := s.registry.NewAdapter(cfg.Provider, paymentdomain.AdapterConfig{
			TenantID: tenantID,
			Config:   map[string]any(cfg.Config),
		})
		if err != nil {
			continue
		}
		out = append(out, ProviderAdapter{Provider: cfg.Provider, Adapter: adapter})
	}
	return out, nil
}

// Tenants lists tenants that can accept payments at all.
func (s *Service) Tenants(ctx context.Context) ([]snowflake.ID, error) {
	return s.repo.ListTenantsWithActiveConfigs(ctx, s.db)
}
