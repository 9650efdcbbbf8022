package model

import (
	"fmt"
)

// ConversationKey 计算对话的确定性标识
// 参与者按ID从小到大排列，保证双方算出同一个key
// 可选的职位ID用于把同一对用户在不同职位下的沟通分开
func ConversationKey(userA, userB uint, jobID *uint) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	if jobID != nil {
		return fmt.Sprintf("%d:%d:job%d", userA, userB, *jobID)
	}
	return fmt.Sprintf("%d:%d", userA, userB)
}
