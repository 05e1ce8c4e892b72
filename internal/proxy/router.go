package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management handlers registered alongside
// the protocol routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the gateway's full request handler: both protocol faces,
// health, optional management routes, and the middleware chain. Exposed
// separately from Start so tests can serve it on an in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handleAnthropicMessages)
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := g.server(mgmt)
	return srv.ListenAndServe(addr)
}

func (g *Gateway) server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: streaming responses hold the connection open for
		// the duration of the client's read.
		StreamRequestBody: true,
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(map[string]string{"status": "ok"})
	ctx.SetBody(data)
}
