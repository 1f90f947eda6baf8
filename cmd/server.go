package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"AudioDeck/core/asset"
	"AudioDeck/core/auth"
	"AudioDeck/core/console"
	"AudioDeck/core/loop"
	"AudioDeck/core/mixer"
	"AudioDeck/core/store"
	"AudioDeck/core/watcher"
	"AudioDeck/logger"
	"AudioDeck/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动调音台服务",
	Long:  `启动 AudioDeck 的 HTTP/WebSocket 服务，恢复上一次会话，并在配置了拖放目录时监听新文件。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		blobs, err := openBlobs(ctx, cfg)
		if err != nil {
			return err
		}
		snapshots, err := openSnapshots(ctx, cfg)
		if err != nil {
			return err
		}
		ledger, err := openLedger(cfg)
		if err != nil {
			return err
		}
		defer closeStores()

		// 循环在信号到来后还要处理最后一次保存，单独控制它的生命周期
		loopCtx, stopLoop := context.WithCancel(context.Background())
		defer stopLoop()
		lp := loop.New()
		go func() {
			if err := lp.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("控制台循环退出", logger.ErrorField(err))
			}
		}()

		mx := mixer.New(lp, cfg.SampleRate)
		go func() {
			if err := mx.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("混音器退出", logger.ErrorField(err))
			}
		}()

		c := console.New(loopCtx, console.Config{
			Exec:           lp,
			Factory:        mx,
			Meter:          mx,
			Assets:         asset.NewService(asset.Options{Ledger: ledger}),
			Store:          &store.Durable{Blobs: blobs, Snapshots: snapshots},
			PolyphonyLimit: cfg.PolyphonyLimit,
			WinCapacity:    cfg.WinDialogueLimit,
			SaveDebounce:   cfg.SaveDebounce,
			SnapshotMaxAge: cfg.SnapshotMaxAge,
			RestoreDelay:   cfg.RestoreDelay,
		})
		c.OnSaved(func(err error) {
			if err != nil {
				logger.Warn("会话保存失败", logger.ErrorField(err))
			}
		})

		restoreCtx, cancelRestore := context.WithTimeout(ctx, 30*time.Second)
		if err := c.Restore(restoreCtx); err != nil {
			// 恢复失败不阻止启动，按空会话继续
			logger.Error("恢复会话失败", logger.ErrorField(err))
		}
		cancelRestore()

		if cfg.DropDir != "" {
			drop, err := watcher.New(cfg.DropDir, c, watcher.DefaultSettle)
			if err != nil {
				return err
			}
			defer drop.Close()
			go func() {
				if err := drop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("拖放目录监听退出", logger.ErrorField(err))
				}
			}()
		}

		var authn *auth.Authenticator
		if cfg.AuthSecret != "" {
			authn = auth.New(cfg.AuthSecret, cfg.AdminPasswordHash, cfg.TokenTTL)
		} else {
			logger.Warn("未配置 AUTH_SECRET，API 不需要登录")
		}

		srvErr := server.New(cfg, c, authn).Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Error("保存最后的会话失败", logger.ErrorField(err))
		}
		logger.Info("AudioDeck 已退出")
		return srvErr
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
