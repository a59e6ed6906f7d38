package application

import (
	"github.com/google/wire"
	"github.com/taskerino/backend/internal/application/attachment"
	"github.com/taskerino/backend/internal/application/engine"
	"github.com/taskerino/backend/internal/application/index"
	"github.com/taskerino/backend/internal/application/queue"
	"github.com/taskerino/backend/internal/application/session"
)

// ProviderSet Application 层总 ProviderSet
var ProviderSet = wire.NewSet(
	queue.ProviderSet,
	session.ProviderSet,
	attachment.ProviderSet,
	index.ProviderSet,
	engine.ProviderSet,
)
