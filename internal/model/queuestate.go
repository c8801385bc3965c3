package model

import (
	"time"
)

// QueueState 表示队列告警状态
type QueueState string

const (
	// QueueStateNormal 队列消息数在告警阈值以下
	QueueStateNormal QueueState = "normal"
	// QueueStateWarning 队列消息数超过告警阈值但未超过删除阈值
	QueueStateWarning QueueState = "warning"
	// QueueStateDanger 队列消息数超过删除阈值，队列将被删除
	QueueStateDanger QueueState = "danger"
)

// QueueStatus 表示对某个Broker队列的最近一次状态记录。
// 该记录只用于实现边沿触发的通知：状态发生变化时才发送通知，
// 状态保持不变时每轮巡检不会重复通知。
type QueueStatus struct {
	Name    string     `json:"name"`
	State   QueueState `json:"state"`
	Updated time.Time  `json:"updated"`
}

// ClassifyQueue 根据消息数和阈值判定队列状态
func ClassifyQueue(messages, alertThreshold, deleteThreshold int) QueueState {
	switch {
	case messages > deleteThreshold:
		return QueueStateDanger
	case messages > alertThreshold:
		return QueueStateWarning
	default:
		return QueueStateNormal
	}
}
