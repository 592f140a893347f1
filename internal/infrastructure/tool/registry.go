package tool

import (
	domaintool "github.com/arieshq/aries/internal/domain/tool"
	"go.uber.org/zap"
)

// RegisterBuiltinTools registers every in-process tool. This is the only
// registration entry point; a new tool gets added here.
//
// All builtins run inside the gateway process. Nothing here shells out or
// touches the filesystem on a worker's behalf.
func RegisterBuiltinTools(reg domaintool.Registry, logger *zap.Logger) int {
	tools := []domaintool.Tool{
		NewCurrentTimeTool(),
		NewWebFetchTool(logger),
	}

	registered := 0
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			logger.Warn("Failed to register tool",
				zap.String("tool", t.Name()),
				zap.Error(err))
			continue
		}
		registered++
	}

	logger.Info("Tool layer initialized", zap.Int("registered", registered))
	return registered
}
