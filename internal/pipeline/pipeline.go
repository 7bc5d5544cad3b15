package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/1NF3RM0/MyBot/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Pipeline 为单个标的构建指标快照：同一 stage 内的中间件并发执行，stage 之间串行。
type Pipeline struct {
	name   string
	stages [][]Middleware
}

// New 按 stage 归类中间件。
func New(name string, middlewares ...Middleware) *Pipeline {
	byStage := make(map[int][]Middleware)
	for _, mw := range middlewares {
		if mw == nil {
			continue
		}
		st := mw.Meta().Stage
		byStage[st] = append(byStage[st], mw)
	}
	order := make([]int, 0, len(byStage))
	for st := range byStage {
		order = append(order, st)
	}
	sort.Ints(order)
	p := &Pipeline{name: name, stages: make([][]Middleware, 0, len(order))}
	for _, st := range order {
		p.stages = append(p.stages, byStage[st])
	}
	return p
}

// Name 返回 pipeline 名称。
func (p *Pipeline) Name() string { return p.name }

// Run 执行全部 stage。必需部分（K 线、趋势）失败时返回 *SnapshotError；
// 可选部分失败时快照降级，记录在 ac.Degraded() 与 ac.Warnings() 中。
func (p *Pipeline) Run(ctx context.Context, ac *AnalysisContext) error {
	if ac == nil {
		return fmt.Errorf("nil analysis context")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stage := range p.stages {
		if err := p.runStage(ctx, ac, stage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, ac *AnalysisContext, stage []Middleware) error {
	group, stageCtx := errgroup.WithContext(ctx)
	// 每个中间件只写自己的槽位，Wait 之后再统一处理降级。
	failed := make([]*SnapshotError, len(stage))
	for i, mw := range stage {
		i, mw := i, mw
		group.Go(func() error {
			meta := mw.Meta()
			runCtx := stageCtx
			if meta.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(stageCtx, meta.Timeout)
				defer cancel()
			}
			err := mw.Handle(runCtx, ac)
			if err == nil {
				return nil
			}
			snapErr := &SnapshotError{
				Symbol:     ac.Symbol,
				Interval:   meta.Interval,
				Role:       meta.Role,
				Middleware: meta.Name,
				Err:        err,
			}
			if meta.Critical() {
				return snapErr
			}
			failed[i] = snapErr
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		logger.Warnf("[pipeline] %s 快照失败: %v", p.name, err)
		return err
	}
	for _, f := range failed {
		if f == nil {
			continue
		}
		ac.markDegraded(f.Role)
		ac.AddWarning(f.Error())
		logger.Warnf("[pipeline] %s 快照降级 symbol=%s role=%s: %v", p.name, ac.Symbol, f.Role, f.Err)
	}
	return nil
}
