package model

import (
	"time"
)

// RotationSlot 表示命名空间当前激活的Broker身份槽位
type RotationSlot string

const (
	// SlotA 第一个身份槽位
	SlotA RotationSlot = "A"
	// SlotB 第二个身份槽位
	SlotB RotationSlot = "B"
)

// Other 返回另一个槽位
func (s RotationSlot) Other() RotationSlot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Username 根据用户名前缀和命名空间名称推导该槽位的Broker用户名
func (s RotationSlot) Username(usernamePrefix, namespace string) string {
	return usernamePrefix + namespace + "-" + string(s)
}

// Contact 表示命名空间的通知联系方式
type Contact struct {
	Method  ContactMethod `json:"method"`
	Address string        `json:"address"`
}

// ContactMethod 表示通知渠道
type ContactMethod string

const (
	// ContactEmail 邮件通知
	ContactEmail ContactMethod = "email"
	// ContactChat 聊天室通知
	ContactChat ContactMethod = "chat"
	// ContactRouted 路由消息通知
	ContactRouted ContactMethod = "routed-message"
)

// Valid 检查通知渠道是否受支持
func (m ContactMethod) Valid() bool {
	switch m {
	case ContactEmail, ContactChat, ContactRouted:
		return true
	}
	return false
}

// Namespace 表示一个租户的凭证分配记录
type Namespace struct {
	Name          string       `json:"name"`
	Password      string       `json:"password"`
	Created       time.Time    `json:"created"`
	Expires       time.Time    `json:"expires"`
	RotationState RotationSlot `json:"rotation_state"`
	NextRotation  time.Time    `json:"next_rotation"`
	Contact       *Contact     `json:"contact,omitempty"`
}

// ActiveUsername 返回当前激活身份的Broker用户名
func (n *Namespace) ActiveUsername(usernamePrefix string) string {
	return n.RotationState.Username(usernamePrefix, n.Name)
}

// StandbyUsername 返回当前备用身份的Broker用户名
func (n *Namespace) StandbyUsername(usernamePrefix string) string {
	return n.RotationState.Other().Username(usernamePrefix, n.Name)
}

// SameContact 比较两个联系方式是否相同
func SameContact(a, b *Contact) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Method == b.Method && a.Address == b.Address
}
