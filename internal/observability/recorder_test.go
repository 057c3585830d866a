package observability_test

import (
	"github.com/pitabwire/kazi/internal/catalog"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/internal/workflow"
)

var (
	_ workflow.Recorder        = (*observability.Metrics)(nil)
	_ definition.CacheRecorder = (*observability.Metrics)(nil)
	_ catalog.Recorder         = (*observability.Metrics)(nil)
)
