package credit

import (
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	"github.com/smallbiznis/creditline/internal/credit/repository"
	"github.com/smallbiznis/creditline/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) creditdomain.Service { return s },
		func(s *service.Service) creditdomain.Ledger { return s },
	),
)
