package app

import (
	"go.uber.org/fx"

	"github.com/nemordp/nemordp/internal/cache"
	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/database"
	"github.com/nemordp/nemordp/internal/jobqueue"
	"github.com/nemordp/nemordp/internal/logger"
	"github.com/nemordp/nemordp/internal/messaging"
	"github.com/nemordp/nemordp/internal/notifier"
	"github.com/nemordp/nemordp/internal/observability"
	"github.com/nemordp/nemordp/internal/provider"
	repositoryinstance "github.com/nemordp/nemordp/internal/repository/instance"
	repositoryorder "github.com/nemordp/nemordp/internal/repository/order"
	httpserver "github.com/nemordp/nemordp/internal/server/http"
	serviceprovision "github.com/nemordp/nemordp/internal/service/provision"
	transporthttp "github.com/nemordp/nemordp/internal/transport/http"
	"github.com/nemordp/nemordp/internal/worker"
	workerpayment "github.com/nemordp/nemordp/internal/worker/payment"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	provider.Module,
	notifier.Module,
	jobqueue.Module,
	repositoryorder.Module,
	repositoryinstance.Module,
	serviceprovision.Module,
)

// HTTP wires the HTTP transport on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	transporthttp.Module,
)

// background bundles the payment consumer and the expiry sweeper. The job
// engine itself lives in Core with the queue so every executable that
// enqueues can also drain.
var background = fx.Options(
	worker.Module,
	workerpayment.Module,
	worker.SweeperModule,
)

// Worker exposes background processing only.
var Worker = fx.Options(
	Core,
	background,
)

// Module is the default application wiring (everything in one process).
var Module = fx.Options(
	HTTP,
	background,
)
