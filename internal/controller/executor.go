package controller

import (
	"context"
	"errors"

	"github.com/ChuLiYu/proxy-suite/internal/worker"
)

var errNoExecutor = errors.New("no executor configured for task")

// unconfigured 是排程器的預設 Executor；每個批次都會在 BatchConfig 帶上自己的 Executor
var unconfigured = worker.ExecutorFunc(func(context.Context, worker.Task) (worker.Result, error) {
	return worker.Result{}, errNoExecutor
})

// cronLogger adapts slog to cron.Logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug(msg, append([]interface{}{"component", "cron"}, keysAndValues...)...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error(msg, append([]interface{}{"component", "cron", "error", err}, keysAndValues...)...)
}
