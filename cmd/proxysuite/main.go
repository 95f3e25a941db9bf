package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 所有邏輯都在 internal/cli
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/proxy-suite/internal/cli"
)

var version = "dev" // go build -ldflags "-X main.version=1.0.0"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = version
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
