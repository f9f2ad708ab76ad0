package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"boxpanel/backend/domain"
	"boxpanel/backend/service"
	"boxpanel/backend/service/upgrade"
)

type Router struct {
	service *service.Service
}

func NewRouter(svc *service.Service) *gin.Engine {
	r := &Router{service: svc}
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.register(engine)
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (r *Router) register(engine *gin.Engine) {
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})

	api := engine.Group("/api")
	{
		api.GET("/status", r.getStatus)
		api.GET("/version", r.getVersion)
		api.GET("/config", r.getConfig)
		api.GET("/logs", r.getAppLogs)
		api.GET("/net-check", r.netCheck)

		svc := api.Group("/service")
		{
			svc.POST("/start", r.startEngine)
			svc.POST("/stop", r.stopEngine)
			svc.POST("/restart", r.restartEngine)
		}

		subs := api.Group("/subs")
		{
			subs.GET("", r.listSubscriptions)
			subs.POST("", r.addSubscription)
			subs.DELETE("", r.deleteSubscription)
			subs.POST("/refresh", r.refreshSubscriptions)
		}

		nodes := api.Group("/nodes")
		{
			nodes.GET("", r.listNodes)
			nodes.POST("", r.addNode)
			nodes.DELETE("", r.deleteNode)
		}

		api.POST("/rule/generate", r.generateRules)

		api.GET("/upgrade/check", r.checkUpgrade)
		api.POST("/upgrade", r.runUpgrade)

		api.GET("/last-proxy", r.getLastProxy)
		api.POST("/last-proxy", r.selectProxy)
	}
}

// ========== 状态 ==========

func (r *Router) getStatus(c *gin.Context) {
	ok(c, "", r.service.Status())
}

func (r *Router) getVersion(c *gin.Context) {
	ok(c, "", gin.H{"version": r.service.Version()})
}

func (r *Router) getConfig(c *gin.Context) {
	engineCfg, err := r.service.EngineConfig()
	if err != nil {
		handleError(c, err)
		return
	}
	ok(c, "", gin.H{
		"panel":  r.service.Config(),
		"engine": engineCfg,
	})
}

func (r *Router) getAppLogs(c *gin.Context) {
	panelLog, err := r.service.AppLogTail(64 << 10)
	if err != nil {
		handleError(c, err)
		return
	}
	engineLog, err := r.service.EngineLogTail(64 << 10)
	if err != nil {
		handleError(c, err)
		return
	}
	ok(c, "", gin.H{
		"panel":  panelLog,
		"engine": engineLog,
	})
}

func (r *Router) netCheck(c *gin.Context) {
	if err := r.service.NetCheck(c.Request.Context()); err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	ok(c, "connectivity ok", nil)
}

// ========== 引擎生命周期 ==========

func (r *Router) startEngine(c *gin.Context) {
	if err := r.service.StartEngine(c.Request.Context()); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "engine started", nil)
}

func (r *Router) stopEngine(c *gin.Context) {
	if err := r.service.StopEngine(); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "engine stopped", nil)
}

func (r *Router) restartEngine(c *gin.Context) {
	if err := r.service.RestartEngine(c.Request.Context()); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "engine restarted", nil)
}

// ========== 订阅 ==========

type subscriptionRequest struct {
	URL string `json:"url"`
}

func (r *Router) listSubscriptions(c *gin.Context) {
	ok(c, "", r.service.Subscriptions())
}

func (r *Router) addSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateSubscriptionURL(req.URL); err != nil {
		badRequest(c, err)
		return
	}
	if err := r.service.AddSubscription(c.Request.Context(), req.URL); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "subscription added", nil)
}

func (r *Router) deleteSubscription(c *gin.Context) {
	req := subscriptionRequest{URL: c.Query("url")}
	if req.URL == "" {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if strings.TrimSpace(req.URL) == "" {
		badRequest(c, errors.New("url is required"))
		return
	}
	if err := r.service.DeleteSubscription(c.Request.Context(), req.URL); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "subscription removed", nil)
}

func (r *Router) refreshSubscriptions(c *gin.Context) {
	if err := r.service.RefreshSubscriptions(c.Request.Context()); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "subscriptions refreshed", r.service.Subscriptions())
}

// ========== 手动节点 ==========

func (r *Router) listNodes(c *gin.Context) {
	ok(c, "", r.service.Nodes())
}

func (r *Router) addNode(c *gin.Context) {
	var node domain.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateNode(&node); err != nil {
		badRequest(c, err)
		return
	}
	if err := r.service.AddNode(c.Request.Context(), node); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "node added", nil)
}

func (r *Router) deleteNode(c *gin.Context) {
	req := struct {
		Name string `json:"name"`
	}{Name: c.Query("name")}
	if req.Name == "" {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, errors.New("name is required"))
		return
	}
	if err := r.service.DeleteNode(c.Request.Context(), req.Name); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "node removed", nil)
}

// ========== 规则集 ==========

func (r *Router) generateRules(c *gin.Context) {
	res, err := r.service.GenerateRuleSet(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	ok(c, "rule set generated", res)
}

// ========== 升级 ==========

func (r *Router) checkUpgrade(c *gin.Context) {
	latest, newer, err := r.service.CheckUpgrade(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	ok(c, "", gin.H{
		"current": r.service.Version(),
		"latest":  latest,
		"newer":   newer,
	})
}

func (r *Router) runUpgrade(c *gin.Context) {
	err := r.service.Upgrade(c.Request.Context())
	if errors.Is(err, upgrade.ErrNoNewVersion) {
		ok(c, "already at the latest version", nil)
		return
	}
	if err != nil {
		handleError(c, err)
		return
	}
	// 正常升级路径不会走到这里（进程镜像已被替换）
	ok(c, "upgrade started", nil)
}

// ========== 代理选择 ==========

type selectProxyRequest struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

func (r *Router) getLastProxy(c *gin.Context) {
	sel, found, err := r.service.LastProxy()
	if err != nil {
		handleError(c, err)
		return
	}
	if !found {
		ok(c, "no selection recorded", nil)
		return
	}
	ok(c, "", sel)
}

func (r *Router) selectProxy(c *gin.Context) {
	var req selectProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, errors.New("name is required"))
		return
	}
	if err := r.service.SelectProxy(c.Request.Context(), req.Group, req.Name); err != nil {
		handleError(c, err)
		return
	}
	ok(c, "proxy selected", nil)
}

// ========== 校验 ==========

func validateSubscriptionURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid subscription url %q", raw)
	}
	return nil
}

func validateNode(node *domain.Node) error {
	node.Kind = domain.NormalizeKind(string(node.Kind))
	if !domain.IsKnownKind(node.Kind) {
		return fmt.Errorf("unsupported node kind %q", node.Kind)
	}
	if strings.TrimSpace(node.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(node.Server) == "" {
		return errors.New("server is required")
	}
	if node.Port == 0 {
		return errors.New("port is required")
	}
	if node.Password == "" {
		return errors.New("password is required")
	}
	return nil
}
