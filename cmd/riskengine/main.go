// 文件: cmd/riskengine/main.go
// 风控结算引擎入口
//
//	riskengine run      --config config.yaml   接 MySQL / Redis / NATS / Kafka 运行
//	riskengine simulate --users 200 --ticks 2000  纯内存模拟

package main

import (
	"os"

	"github.com/spf13/cobra"

	"max.com/perprisk/pkg/logger"
)

func main() {
	root := &cobra.Command{
		Use:           "riskengine",
		Short:         "Perpetual position risk and settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), simulateCommand())

	if err := root.Execute(); err != nil {
		logger.Component("Engine").WithError(err).Error("exit")
		os.Exit(1)
	}
}
