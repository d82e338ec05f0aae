package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"homework-live/server/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "homeworklive",
	Short: "Voice homework tutor client: microphone, backend session and live math view",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newDevicesCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "homeworklive: %v\n", err)
		os.Exit(1)
	}
}

// newLogger 按 logging 配置创建日志；返回的 closer 关闭日志文件
func newLogger(cfg config.LoggingConfig) (*log.Logger, io.Closer, error) {
	flags := 0
	if cfg.PrefixTime {
		flags = log.LstdFlags | log.Lmicroseconds
	}

	switch cfg.Output {
	case "", "stderr":
		return log.New(os.Stderr, "", flags), io.NopCloser(nil), nil
	case "stdout":
		return log.New(os.Stdout, "", flags), io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return log.New(f, "", flags), f, nil
}
