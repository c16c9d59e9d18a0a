// cmd/adbhost runs the ADB USB host client as a local HTTP API, the
// "Caller API exposed upward" of spec.md §6. It plays the same role for
// the ADB engine that cmd/driver/hasher-host/main.go plays for the
// inference engine: flag configuration, a gin router, and graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"adbhost/internal/adb"
	"adbhost/internal/config"
)

var (
	port        = flag.Int("port", 8870, "HTTP API server port")
	keyPath     = flag.String("key-path", "", "path to the persisted host key (empty = config/env default)")
	vendorID    = flag.Uint("vendor-id", 0, "USB vendor id override (0 = keep the configured value)")
	productID   = flag.Uint("product-id", 0, "USB product id override (0 = keep the configured value)")
	openTimeout = flag.Duration("open-timeout", 10*time.Second, "deadline for connect and stream open operations")
)

func main() {
	flag.Parse()

	vid, pid := config.GetUSBIDs()
	if *vendorID != 0 {
		vid = uint16(*vendorID)
	}
	if *productID != 0 {
		pid = uint16(*productID)
	}

	path := *keyPath
	if path == "" {
		path = config.GetKeyPath()
	}

	engine := adb.NewEngine(adb.NewFileKeyStore(path), vid, pid)
	server := &apiServer{engine: engine, timeout: *openTimeout}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.POST("/connect", server.handleConnect)
		api.POST("/disconnect", server.handleDisconnect)
		api.GET("/packages", server.handleListPackages)
		api.POST("/shell", server.handleRunShell)
		api.POST("/packages/:id/disable", server.handleDisablePackage)
		api.POST("/packages/:id/enable", server.handleEnablePackage)
		api.DELETE("/packages/:id", server.handleUninstallPackage)
		api.GET("/diagnostics", server.handleDiagnostics)
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: router}

	go func() {
		log.Printf("adbhost API listening on :%d", *port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	engine.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("adbhost stopped")
}

type apiServer struct {
	engine  *adb.Engine
	timeout time.Duration
}

func (s *apiServer) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *apiServer) handleConnect(c *gin.Context) {
	ctx, cancel := s.ctx()
	defer cancel()

	identity, err := s.engine.Connect(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"serial":  identity.Serial,
		"product": identity.Product,
		"model":   identity.Model,
	})
}

func (s *apiServer) handleDisconnect(c *gin.Context) {
	s.engine.Disconnect()
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *apiServer) handleListPackages(c *gin.Context) {
	ctx, cancel := s.ctx()
	defer cancel()

	pkgs, err := s.engine.ListPackages(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": pkgs})
}

type shellRequest struct {
	Command string `json:"command"`
}

func (s *apiServer) handleRunShell(c *gin.Context) {
	var req shellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := s.ctx()
	defer cancel()

	out, err := s.engine.RunShell(ctx, req.Command)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *apiServer) handleDisablePackage(c *gin.Context) {
	s.packageAction(c, s.engine.DisablePackage)
}

func (s *apiServer) handleEnablePackage(c *gin.Context) {
	s.packageAction(c, s.engine.EnablePackage)
}

func (s *apiServer) handleUninstallPackage(c *gin.Context) {
	s.packageAction(c, s.engine.UninstallPackage)
}

func (s *apiServer) packageAction(c *gin.Context, action func(context.Context, string) (string, error)) {
	pkg := c.Param("id")
	ctx, cancel := s.ctx()
	defer cancel()

	out, err := action(ctx, pkg)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *apiServer) handleDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Diagnostics())
}
