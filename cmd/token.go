package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"AudioDeck/core/auth"
)

var tokenOperator string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发一个操作员令牌",
	Long:  `使用配置中的 AUTH_SECRET 签发 JWT，供脚本或外部控制面板调用 API。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := auth.New(cfg.AuthSecret, cfg.AdminPasswordHash, cfg.TokenTTL).GenerateToken(tokenOperator)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "生成 ADMIN_PASSWORD_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenOperator, "operator", "o", "operator", "令牌中的操作员名称")
	rootCmd.AddCommand(tokenCmd, hashPasswordCmd)
}
