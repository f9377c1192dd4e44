package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/lvdashuaibi/securevote/internal/repository"
)

// requirePrivileged 只有审计员和管理员可以执行
func (c *Coordinator) requirePrivileged(ctx context.Context, actorID string) error {
	if actorID == "" {
		return ErrForbidden
	}
	cctx, cancel := c.callCtx(ctx)
	actor, err := c.deps.Directory.Lookup(cctx, actorID)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrVoterNotFound) {
			return ErrForbidden
		}
		return dependencyError("查询操作者", err, CodeUnavailable)
	}
	if actor.Role != model.RoleAuditor && actor.Role != model.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// ElectionActive 选举是否开放，未配置存储时视为开放
func (c *Coordinator) ElectionActive(ctx context.Context) (bool, error) {
	if c.deps.Election == nil {
		return true, nil
	}
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	active, err := c.deps.Election.IsElectionActive(cctx)
	if err != nil {
		return false, dependencyError("查询选举状态", err, CodeUnavailable)
	}
	return active, nil
}

// SetElectionActive 开放或关闭选举
func (c *Coordinator) SetElectionActive(ctx context.Context, actorID string, active bool) error {
	if err := c.requirePrivileged(ctx, actorID); err != nil {
		return err
	}
	if c.deps.Election == nil {
		return newError(CodeUnavailable, errors.New("未配置选举状态存储"))
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.deps.Election.SetElectionActive(cctx, active, actorID); err != nil {
		return dependencyError("更新选举状态", err, CodeUnavailable)
	}

	state := "关闭"
	if active {
		state = "开放"
	}
	c.audit(model.EventElectionStateChanged, actorID, fmt.Sprintf("选举已%s", state))
	log.Printf("%s 将选举设置为%s", actorID, state)
	return nil
}
