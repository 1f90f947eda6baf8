package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"AudioDeck/storage"
)

var (
	minioPrefix string
	minioStats  bool
	minioDelete bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看和管理会话在 MinIO 中保存的音频与图片，支持列出文件、查看统计信息、删除目录。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)
		s, err := storage.NewMinioStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}

		if minioDelete {
			if minioPrefix == "" {
				return fmt.Errorf("删除操作需要指定目录前缀")
			}
			n, err := s.DeleteDirectory(ctx, minioPrefix)
			if err != nil {
				return err
			}
			fmt.Printf("已删除 %d 个对象 (前缀: %s)\n", n, minioPrefix)
			return nil
		}

		objects, stats, err := s.ListObjects(ctx, minioPrefix)
		if err != nil {
			return err
		}
		if !minioStats {
			for _, o := range objects {
				fmt.Printf("%-48s %10s  %s  %s\n", o.Key, storage.FormatSize(o.Size),
					o.LastModified.Format("2006-01-02 15:04:05"), o.ContentType)
			}
			fmt.Println()
		}
		fmt.Printf("对象数: %d, 总大小: %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
		if !stats.LastModified.IsZero() {
			fmt.Printf("最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
		}
		kinds := make([]string, 0, len(stats.ByType))
		for k := range stats.ByType {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %-6s %s\n", k, storage.FormatSize(stats.ByType[k]))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要操作的目录，默认为会话前缀")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示存储桶统计信息")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定目录及其下的所有文件")

	minioCmd.Example = `  # 列出会话保存的所有文件
  audiodeck minio

  # 只显示统计信息
  audiodeck minio -s

  # 删除目录及其下的所有文件
  audiodeck minio -d -p "deck/"`
}
