package store

import (
	"context"
	"errors"
	"time"

	"github.com/hewenyu/rabbit-keeper/internal/model"
)

// NamespaceStore 定义命名空间记录存储接口
type NamespaceStore interface {
	// Create 创建命名空间记录；键已存在时返回AlreadyExists错误
	Create(ctx context.Context, namespace *model.Namespace) error

	// Get 根据名称获取命名空间记录；不存在时返回NotFound错误
	Get(ctx context.Context, name string) (*model.Namespace, error)

	// Update 对命名空间记录执行条件化的原子读改写；
	// mutate返回错误时放弃修改并原样返回该错误
	Update(ctx context.Context, name string, mutate func(*model.Namespace) error) (*model.Namespace, error)

	// Delete 删除命名空间记录
	Delete(ctx context.Context, name string) error

	// Scan 分页遍历满足filter的全部记录，对每条记录调用handler。
	// 遍历会跟随续传游标直到没有更多数据；handler返回错误时中止遍历。
	Scan(ctx context.Context, filter func(*model.Namespace) bool, handler func(*model.Namespace) error) error
}

// QueueStateStore 定义队列告警状态记录存储接口
type QueueStateStore interface {
	// Get 获取队列状态记录；不存在时返回NotFound错误
	Get(ctx context.Context, name string) (*model.QueueStatus, error)

	// Create 创建队列状态记录；键已存在时返回AlreadyExists错误
	Create(ctx context.Context, status *model.QueueStatus) error

	// Update 对队列状态记录执行条件化的原子读改写
	Update(ctx context.Context, name string, mutate func(*model.QueueStatus) error) (*model.QueueStatus, error)

	// Delete 删除队列状态记录
	Delete(ctx context.Context, name string) error

	// DeleteUpdatedBefore 删除所有在horizon之前更新过的状态记录，返回删除数量
	DeleteUpdatedBefore(ctx context.Context, horizon time.Time) (int, error)
}

// 定义错误代码
const (
	// ErrNotFound 记录不存在
	ErrNotFound = iota + 1
	// ErrAlreadyExists 记录已存在
	ErrAlreadyExists
	// ErrConflict 并发修改冲突
	ErrConflict
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// StoreError 定义存储操作可能返回的错误类型
type StoreError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StoreError) Error() string {
	return e.Message
}

// NewNotFoundError 创建记录不存在错误
func NewNotFoundError(message string) *StoreError {
	return &StoreError{Code: ErrNotFound, Message: message}
}

// NewAlreadyExistsError 创建记录已存在错误
func NewAlreadyExistsError(message string) *StoreError {
	return &StoreError{Code: ErrAlreadyExists, Message: message}
}

// NewConflictError 创建并发修改冲突错误
func NewConflictError(message string) *StoreError {
	return &StoreError{Code: ErrConflict, Message: message}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StoreError {
	return &StoreError{Code: ErrInvalidArgument, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StoreError {
	return &StoreError{Code: ErrInternal, Message: message}
}

// IsNotFound 判断错误是否为记录不存在
func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound)
}

// IsAlreadyExists 判断错误是否为记录已存在
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrAlreadyExists)
}

// IsConflict 判断错误是否为并发修改冲突
func IsConflict(err error) bool {
	return hasCode(err, ErrConflict)
}

func hasCode(err error, code int) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
