package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/rabbit-keeper/internal/config"
	"github.com/hewenyu/rabbit-keeper/internal/maintenance"
	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/rabbit"
	"github.com/hewenyu/rabbit-keeper/internal/store"
)

// ApiResponse 统一响应结构
type ApiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ClaimRequest 命名空间claim请求
type ClaimRequest struct {
	Contact *model.Contact `json:"contact,omitempty"`
	Expires *time.Time     `json:"expires,omitempty"`
}

// NamespaceResponse 命名空间响应
type NamespaceResponse struct {
	Namespace        string         `json:"namespace"`
	ConnectionString string         `json:"connection_string"`
	Expires          time.Time      `json:"expires"`
	Contact          *model.Contact `json:"contact,omitempty"`
}

// Handler 处理管理API请求
type Handler struct {
	manager    *maintenance.Manager
	namespaces store.NamespaceStore
	broker     rabbit.ManagementAPI
	cfg        *config.Config
}

// NewHandler 创建管理API处理器
func NewHandler(manager *maintenance.Manager, namespaces store.NamespaceStore, broker rabbit.ManagementAPI, cfg *config.Config) *Handler {
	return &Handler{
		manager:    manager,
		namespaces: namespaces,
		broker:     broker,
		cfg:        cfg,
	}
}

// RegisterRoutes 注册管理API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.POST("/namespaces/:namespace", h.ClaimNamespace)
	api.GET("/namespaces/:namespace", h.GetNamespace)
	api.GET("/overview", h.GetOverview)
	api.GET("/exchanges", h.ListExchanges)
}

// ClaimNamespace 创建或续领命名空间
func (h *Handler) ClaimNamespace(c echo.Context) error {
	name := c.Param("namespace")

	var req ClaimRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ApiResponse{
			Code:    http.StatusBadRequest,
			Message: "请求参数无效",
		})
	}

	if req.Contact != nil && !req.Contact.Method.Valid() {
		return c.JSON(http.StatusBadRequest, ApiResponse{
			Code:    http.StatusBadRequest,
			Message: "不支持的通知渠道: " + string(req.Contact.Method),
		})
	}

	var expires time.Time
	if req.Expires != nil {
		expires = *req.Expires
	}

	namespace, err := h.manager.Claim(c.Request().Context(), name, req.Contact, expires)
	if err != nil {
		if errors.Is(err, maintenance.ErrInvalidNamespace) {
			return c.JSON(http.StatusBadRequest, ApiResponse{
				Code:    http.StatusBadRequest,
				Message: "命名空间名称必须不超过64字节，且只能包含字符[A-Za-z0-9_-]",
			})
		}
		return c.JSON(http.StatusInternalServerError, ApiResponse{
			Code:    http.StatusInternalServerError,
			Message: "命名空间claim失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    h.namespaceResponse(namespace),
	})
}

// GetNamespace 获取命名空间详情
func (h *Handler) GetNamespace(c echo.Context) error {
	name := c.Param("namespace")

	if !model.IsValidName(name, h.cfg.App.NamespacePrefix) {
		return c.JSON(http.StatusBadRequest, ApiResponse{
			Code:    http.StatusBadRequest,
			Message: "命名空间名称必须不超过64字节，且只能包含字符[A-Za-z0-9_-]",
		})
	}

	namespace, err := h.namespaces.Get(c.Request().Context(), name)
	if err != nil {
		if store.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, ApiResponse{
				Code:    http.StatusNotFound,
				Message: "命名空间不存在: " + name,
			})
		}
		return c.JSON(http.StatusInternalServerError, ApiResponse{
			Code:    http.StatusInternalServerError,
			Message: "获取命名空间失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    h.namespaceResponse(namespace),
	})
}

// GetOverview 获取Broker集群概览
func (h *Handler) GetOverview(c echo.Context) error {
	overview, err := h.broker.Overview(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ApiResponse{
			Code:    http.StatusInternalServerError,
			Message: "获取集群概览失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    overview,
	})
}

// ListExchanges 列出Broker上的交换机
func (h *Handler) ListExchanges(c echo.Context) error {
	exchanges, err := h.broker.ListExchanges(c.Request().Context(), h.cfg.Rabbit.Vhost)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ApiResponse{
			Code:    http.StatusInternalServerError,
			Message: "获取交换机列表失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    exchanges,
	})
}

// namespaceResponse 组装命名空间响应，附带当前激活身份的连接串
func (h *Handler) namespaceResponse(namespace *model.Namespace) NamespaceResponse {
	return NamespaceResponse{
		Namespace:        namespace.Name,
		ConnectionString: h.connectionString(namespace),
		Expires:          namespace.Expires,
		Contact:          namespace.Contact,
	}
}

// connectionString 用当前激活身份构造AMQPS连接串
func (h *Handler) connectionString(namespace *model.Namespace) string {
	u := url.URL{
		Scheme: "amqps",
		User:   url.UserPassword(namespace.ActiveUsername(h.cfg.App.UsernamePrefix), namespace.Password),
		Host:   fmt.Sprintf("%s:%d", h.cfg.Rabbit.AMQPHost, h.cfg.Rabbit.AMQPPort),
	}
	return u.String()
}
