package promo

import (
	"github.com/smallbiznis/dojoflow/internal/promo/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("promo",
	fx.Provide(repository.Provide),
)
