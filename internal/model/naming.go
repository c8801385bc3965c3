package model

import (
	"regexp"
	"strings"
)

// 命名空间名称只允许字母、数字、下划线和连字符
var namespaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsValidName 检查命名空间名称是否合法：
// 长度1~64字节、字符集[A-Za-z0-9_-]，并且（如果配置了）以指定前缀开头。
// 该检查是纯函数，在任何存储或Broker调用之前执行。
func IsValidName(name, requiredPrefix string) bool {
	if len(name) == 0 || len(name) > 64 {
		return false
	}
	if !namespaceNamePattern.MatchString(name) {
		return false
	}
	if requiredPrefix != "" && !strings.HasPrefix(name, requiredPrefix) {
		return false
	}
	return true
}

// NamespaceOfResource 从队列/交换机名称推导所属命名空间。
// 资源名称的形式为 <resourcePrefix><namespace>/<rest>；
// 名称必须同时携带资源前缀和命名空间前缀，否则不属于本系统管理，
// 返回 false（绝不能匹配租户命名方案之外的资源）。
func NamespaceOfResource(resource, resourcePrefix, namespacePrefix string) (string, bool) {
	if !strings.HasPrefix(resource, resourcePrefix+namespacePrefix) {
		return "", false
	}
	rest := resource[len(resourcePrefix):]
	namespace, _, _ := strings.Cut(rest, "/")
	if namespace == "" {
		return "", false
	}
	return namespace, true
}

// NamespaceOfUser 从Broker连接的用户名推导所属命名空间。
// 用户名的形式为 <usernamePrefix><namespace>-<slot>，slot为A或B；
// 其他形式的用户名不属于本系统管理。
func NamespaceOfUser(user, usernamePrefix, namespacePrefix string) (string, bool) {
	if !strings.HasPrefix(user, usernamePrefix+namespacePrefix) {
		return "", false
	}
	rest := user[len(usernamePrefix):]
	if !strings.HasSuffix(rest, "-"+string(SlotA)) && !strings.HasSuffix(rest, "-"+string(SlotB)) {
		return "", false
	}
	namespace := rest[:len(rest)-2]
	if namespace == "" {
		return "", false
	}
	return namespace, true
}
