package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/ledger"
	"github.com/lvdashuaibi/securevote/internal/repository"
	"github.com/spf13/cobra"
)

var verifyTimeout time.Duration

func init() {
	verifyChainCmd.Flags().DurationVar(&verifyTimeout, "timeout", time.Minute, "校验超时时间")
	rootCmd.AddCommand(verifyChainCmd)
}

var verifyChainCmd = &cobra.Command{
	Use:   "verify-chain",
	Short: "离线校验账本哈希链",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.MySQL.Master == "" {
			return fmt.Errorf("verify-chain 需要配置 mysql.master")
		}

		ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
		defer cancel()

		repo, err := repository.NewMySQLRepository(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("初始化MySQL仓库失败: %w", err)
		}
		defer repo.Close()

		l, err := ledger.NewMySQLLedger(ctx, repo.Master(), repo.Slave())
		if err != nil {
			return err
		}
		blocks, err := l.Blocks(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if err := ledger.ValidateChain(blocks); err != nil {
			var ie *ledger.IntegrityError
			if errors.As(err, &ie) {
				fmt.Fprintf(out, "账本校验失败: %v\n", ie)
			}
			return err
		}
		fmt.Fprintf(out, "账本完整，共 %d 个区块，链尾: %s\n", len(blocks), blocks[len(blocks)-1].CurrentHash)
		return nil
	},
}
