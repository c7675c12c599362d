package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "talentbud",
		Short:   "TalentBud - live voice interview server",
		Version: Version,
	}
	// 敏感信息（Agent API Key、数据库地址、JWT 密钥）优先用环境变量覆盖，见 config.Load。
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "server/configs/talentbud.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
