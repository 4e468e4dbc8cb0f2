// 文件: pkg/idgen/snowflake.go
// 雪花算法 ID 生成器
// 所有落库记录 (持仓/费率/流水/审计) 统一使用

package idgen

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
	initErr  error
)

// Init 初始化雪花算法
// nodeID: 节点ID (0-1023)，多实例部署时必须不同
func Init(nodeID int64) error {
	initOnce.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// Next 生成下一个 ID
func Next() int64 {
	// 未初始化则使用默认节点0；已初始化时 Once 直接返回
	_ = Init(0)
	return node.Generate().Int64()
}
