package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"AudioDeck/cache"
	"AudioDeck/core/store"
)

var redisDelete bool

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "查看或删除 Redis 中的会话快照",
	Long:  `连接 Redis，显示当前会话快照的大小、保存时间和剩余过期时间，可选删除快照。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		fmt.Printf("Redis配置: %s:%s, DB: %d, 会话: %s\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB, cfg.SessionID)
		client, err := cache.ConnectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer cache.CloseRedis()
		snapshots := cache.NewRedisSnapshotStore(client, cfg.SessionID)

		if redisDelete {
			if err := snapshots.DeleteSnapshot(ctx); err != nil {
				return err
			}
			fmt.Println("快照已删除")
			return nil
		}

		info, err := snapshots.Info(ctx)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("没有保存的快照")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("快照大小: %d 字节\n", info.Size)
		if !info.SavedAt.IsZero() {
			fmt.Printf("保存时间: %s\n", info.SavedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("剩余有效期: %s\n", info.TTL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.Flags().BoolVarP(&redisDelete, "delete", "d", false, "删除当前会话的快照")
}
