package graph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/service"
)

// Server GraphQL和只读REST接口
type Server struct {
	coord      *service.Coordinator
	schema     *graphql.Schema
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer 创建服务器并注册路由
func NewServer(coord *service.Coordinator, cfg config.ServerConfig, graphqlPath string) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if graphqlPath == "" {
		graphqlPath = "/graphql"
	}

	schema := graphql.MustParseSchema(schemaString, NewResolver(coord),
		graphql.UseFieldResolvers(),
	)

	s := &Server{
		coord:  coord,
		schema: schema,
		engine: gin.New(),
	}
	s.engine.Use(gin.Logger(), gin.Recovery())
	s.registerRoutes(graphqlPath)
	return s
}

func (s *Server) registerRoutes(graphqlPath string) {
	handler := gin.WrapH(&relay.Handler{Schema: s.schema})
	s.engine.POST(graphqlPath, handler)
	s.engine.GET(graphqlPath, handler)

	page := strings.ReplaceAll(playgroundHTML, "{{endpoint}}", graphqlPath)
	s.engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	})

	s.engine.GET("/healthz", s.healthz)

	api := s.engine.Group("/api")
	api.GET("/receipts/:voterId", s.getReceipt)
	api.GET("/blocks/:hash", s.getBlock)
	api.GET("/stats", s.getStats)
	api.GET("/chain/valid", s.getChainValid)
}

// Handler 测试和嵌入使用
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 阻塞直到服务器关闭
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.engine,
	}
	log.Printf("GraphQL服务已启动，Playground: http://localhost:%d/", port)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 等待进行中的请求结束
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"activeSessions": s.coord.ActiveSessions(),
	})
}

func (s *Server) getReceipt(c *gin.Context) {
	receipt, err := s.coord.GetReceipt(c.Request.Context(), c.Param("voterId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) getBlock(c *gin.Context) {
	res, err := s.coord.VerifyBlock(c.Request.Context(), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Found {
		c.JSON(http.StatusNotFound, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.coord.ElectionStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getChainValid(c *gin.Context) {
	valid, err := s.coord.ChainValid(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// httpStatus 服务层错误码到HTTP状态码
func httpStatus(code service.Code) int {
	switch code {
	case service.CodeNotCastYet, service.CodeSessionNotFound:
		return http.StatusNotFound
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeInvalidRequest, service.CodeNotEligible:
		return http.StatusBadRequest
	case service.CodeAlreadyVoted, service.CodeInvalidState:
		return http.StatusConflict
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	case service.CodeTimeout:
		return http.StatusGatewayTimeout
	case service.CodeLedgerUnavailable, service.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		log.Printf("请求 %s 失败: %v", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部错误"})
		return
	}
	c.JSON(httpStatus(se.Code), gin.H{
		"error": se.Message,
		"code":  se.Code,
	})
}

const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>SecureVote GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '{{endpoint}}'
      })
    })</script>
</body>
</html>
`
