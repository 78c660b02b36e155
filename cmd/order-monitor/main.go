package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/MarekRumisek/ib-trading-platform/pkg/client"
	"github.com/MarekRumisek/ib-trading-platform/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	api := flag.String("api", getenv("IBEXEC_API", "http://127.0.0.1:5000"), "ibexec API 地址")
	interval := flag.Duration("interval", 2*time.Second, "刷新间隔")
	flag.Parse()

	// 日志只写文件，避免干扰 TUI
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logDir = os.TempDir()
	}
	_ = logger.Init(logger.Config{Level: "info", OutputFile: filepath.Join(logDir, "order-monitor.log"), NoColor: true, FileOnly: true})
	defer logger.Close()

	p := tea.NewProgram(initialModel(client.New(*api).SetTimeout(5*time.Second), *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "运行程序失败: %v\n", err)
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
