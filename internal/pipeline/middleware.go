package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role 标识中间件为快照贡献的那一部分。
type Role string

const (
	RoleCandles    Role = "candles"
	RoleTrend      Role = "trend"
	RoleMomentum   Role = "momentum"
	RoleVolatility Role = "volatility"
)

// Required 报告缺少该部分时快照是否不可用：没有 K 线或趋势值就无法判断市况。
func (r Role) Required() bool {
	return r == RoleCandles || r == RoleTrend
}

// Middleware 描述一个快照构建步骤，只写入 AnalysisContext 中属于自己的那部分。
type Middleware interface {
	Meta() MiddlewareMeta
	Handle(ctx context.Context, ac *AnalysisContext) error
}

// MiddlewareMeta 提供调度所需元信息。
// Interval 为该中间件的主周期；Optional 用于把必需角色降级（例如高周期 K 线）。
type MiddlewareMeta struct {
	Name     string
	Stage    int
	Role     Role
	Interval string
	Optional bool
	Timeout  time.Duration
}

// Critical 为 true 时失败会中止整个快照。
func (m MiddlewareMeta) Critical() bool {
	return !m.Optional && m.Role.Required()
}

// SnapshotError 表示某个标的的快照因必需部分失败而无法生成。
type SnapshotError struct {
	Symbol     string
	Interval   string
	Role       Role
	Middleware string
	Err        error
}

func (e *SnapshotError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, s := range []string{e.Symbol, string(e.Role), e.Interval} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	head := strings.Join(parts, " ")
	if e.Middleware != "" && e.Middleware != string(e.Role) {
		head += " (" + e.Middleware + ")"
	}
	if e.Err == nil {
		return fmt.Sprintf("snapshot %s failed", head)
	}
	return fmt.Sprintf("snapshot %s: %v", head, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
