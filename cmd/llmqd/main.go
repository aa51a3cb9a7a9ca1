package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"llmqd/logs"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:          "llmqd",
		Short:        "LLMQ quorum data exchange and chain lock node",
		SilenceUsage: true,
	}
	root.AddCommand(runCommand(), devnetCommand())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging 用 zap 作为日志后端，级别名与 logs 包一致
func setupLogging(level string) error {
	lvl, err := logs.ParseLevel(level)
	if err != nil {
		return err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.DisableStacktrace = true
	l, err := zcfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return err
	}
	logs.SetBackend(l)
	logs.SetLevel(lvl)
	return nil
}
