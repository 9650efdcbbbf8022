package reconcile

import (
	"sort"

	"gigmarket/internal/model"
)

// Merge 合并持久化历史与实时推送的消息
//
// 客户端重连后会同时持有两份数据：重连前实时收到的消息和重连时
// 拉取的历史。同一条消息可能在两边各出现一次，消息ID是去重键，
// 后到的重复项不会产生第二条可见记录（保留先出现的那份）。
//
// 排序以持久化时分配的 createdAt 为准（先落库的先显示），
// createdAt 相同时按ID升序打破平局。合并是幂等的：同样的输入
// 重复合并得到同样的输出。
func Merge(batches ...[]*model.Message) []*model.Message {
	seen := make(map[uint]*model.Message)
	var order []uint

	for _, batch := range batches {
		for _, m := range batch {
			if m == nil {
				continue
			}
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = m
			order = append(order, m.ID)
		}
	}

	merged := make([]*model.Message, 0, len(order))
	for _, id := range order {
		merged = append(merged, seen[id])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	return merged
}

// Apply 把一条新到的消息并入已排序的时间线
// 重复ID直接丢弃（例如同一条消息先后从实时推送和历史拉取到达）
func Apply(timeline []*model.Message, incoming *model.Message) []*model.Message {
	if incoming == nil {
		return timeline
	}
	for _, m := range timeline {
		if m.ID == incoming.ID {
			return timeline
		}
	}
	return Merge(timeline, []*model.Message{incoming})
}
