package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlitehub/sqlitehub/batch"
	"github.com/sqlitehub/sqlitehub/console"
	"github.com/sqlitehub/sqlitehub/engine"
	"github.com/sqlitehub/sqlitehub/httpapi"
	"github.com/sqlitehub/sqlitehub/tcpserver"
)

func main() {
	dbPath := flag.String("dbPath", "", "Path to the SQLite database file (\":memory:\" for a scratch database)")
	httpPort := flag.Int("httpPort", 8080, "Port for the HTTP SQL API")
	tcpPort := flag.Int("tcpPort", 9922, "Port for the TCP prepared-statement protocol")
	consolePort := flag.Int("consolePort", 9923, "Port for the interactive console")
	jwtSecret := flag.String("jwtSecret", "", "Path to an HS256 key file; enables bearer auth on /sql")
	lockTimeout := flag.Duration("lockTimeout", engine.DefaultLockTimeout, "How long a request waits for the database lock")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	if *dbPath == "" {
		logger.Error("Database path must be provided via -dbPath flag")
		os.Exit(1)
	}

	handle, err := engine.Open(*dbPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer handle.Close()

	var secret []byte
	if *jwtSecret != "" {
		secret, err = httpapi.LoadSecretKey(*jwtSecret)
		if err != nil {
			logger.Error("Failed to load JWT secret", "error", err)
			os.Exit(1)
		}
	}

	executor := batch.New(handle, *lockTimeout)

	// TCP prepared-statement protocol.
	tcpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", *tcpPort))
	if err != nil {
		logger.Error("Failed to listen", "port", *tcpPort, "error", err)
		os.Exit(1)
	}
	tcpSrv := tcpserver.New(tcpLn, tcpserver.Config{
		Handle:      handle,
		Logger:      logger,
		LockTimeout: *lockTimeout,
	})
	go tcpSrv.Serve()
	logger.Info("TCP SQL server listening", "port", *tcpPort)

	// Interactive console.
	consoleLn, err := net.Listen("tcp", fmt.Sprintf(":%d", *consolePort))
	if err != nil {
		logger.Error("Failed to listen", "port", *consolePort, "error", err)
		os.Exit(1)
	}
	consoleSrv := console.New(consoleLn, console.Config{
		Handle:      handle,
		Logger:      logger,
		LockTimeout: *lockTimeout,
	})
	go consoleSrv.Serve()
	logger.Info("Console listening", "port", *consolePort)

	// HTTP SQL API.
	mux := http.NewServeMux()
	api := httpapi.New(httpapi.Config{
		Executor:    executor,
		Logger:      logger,
		LockTimeout: *lockTimeout,
		JWTSecret:   secret,
	})
	api.Register(mux)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", *httpPort), Handler: mux}
	go func() {
		logger.Info("SQL API ready", "port", *httpPort, "path", "/sql")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Shut down through the signal path so deferred cleanup runs.
			logger.Error("HTTP server failed", "error", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	// Block until asked to stop, then shut the surfaces down.
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = tcpSrv.Close()
	_ = consoleSrv.Close()
	<-tcpSrv.Done()
	<-consoleSrv.Done()
}
