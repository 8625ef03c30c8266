package checkout

import (
	"github.com/smallbiznis/dojoflow/internal/checkout/repository"
	"github.com/smallbiznis/dojoflow/internal/checkout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("checkout",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
