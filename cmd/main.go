package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	instanceID int
)

var rootCmd = &cobra.Command{
	Use:           "securevote",
	Short:         "多因素认证的投票会话协调服务",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().IntVar(&instanceID, "instance", 1, "实例ID，用于区分多个实例")
}

func main() {
	// 当前目录有 .env 时先加载，配置项可以通过环境变量覆盖
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("加载 .env 失败: %v", err)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
