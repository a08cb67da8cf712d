package reconciler

import (
	reconcilerdomain "github.com/smallbiznis/creditline/internal/reconciler/domain"
	"github.com/smallbiznis/creditline/internal/reconciler/repository"
	"github.com/smallbiznis/creditline/internal/reconciler/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciler",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) reconcilerdomain.Service { return s }),
)
