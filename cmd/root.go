package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"AudioDeck/config"
	"AudioDeck/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "audiodeck",
	Short: "AudioDeck 是一个现场音频调音台服务",
	Long:  `AudioDeck 管理背景音乐、胜利台词和音效三类音轨，支持闪避、淡入淡出、音效队列和会话持久化。`,
	// 不带子命令时直接启动服务
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "输出调试日志")
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置，同时初始化日志
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level := logger.LogLevel(cfg.LogLevel)
	if verbose {
		level = logger.DebugLevel
	}
	if err := logger.InitLogger(logger.Config{
		Level:      level,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
