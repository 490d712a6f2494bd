package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"loft/internal/loft"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {

	listenPort := flag.String("listen", "8080", "HTTP listen port")
	dataDir := flag.String("data-dir", "./data", "directory for the catalog database")
	bucket := flag.String("bucket", "loft-media", "object store bucket")
	tempPrefix := flag.String("temp-prefix", "uploads", "key prefix for temporary chunk objects")
	mediaPrefix := flag.String("media-prefix", "media", "key prefix for assembled media objects")

	flag.Parse()

	httpsPort := 8443
	serverCrtFile := getenv("LOFT_TLS_CERT", "")
	serverKeyFile := getenv("LOFT_TLS_KEY", "")

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	store, err := loft.NewMinioStore(ctx, loft.MinioConfig{
		Endpoint:  getenv("LOFT_S3_ENDPOINT", "localhost:9000"),
		AccessKey: getenv("LOFT_S3_ACCESS_KEY", "minioadmin"),
		SecretKey: getenv("LOFT_S3_SECRET_KEY", "minioadmin"),
		Bucket:    *bucket,
		Secure:    getenv("LOFT_S3_SECURE", "") != "",
	})
	if err != nil {
		return fmt.Errorf("failed to connect to object store: %w", err)
	}

	cfg := loft.Config{
		DataDir:     absDataDir,
		Store:       store,
		TempPrefix:  *tempPrefix,
		MediaPrefix: *mediaPrefix,
		UploadToken: getenv("LOFT_UPLOAD_TOKEN", ""),
	}

	server, err := loft.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create loft server: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listenPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			ClientAuth: tls.RequestClientCert,
			MinVersion: tls.VersionTLS12,
		},
		Addr:              fmt.Sprintf(":%d", httpsPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return httpsServer.Shutdown(ctx)
	})

	eg.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(ctx)
	})

	eg.Go(func() error {
		if serverCrtFile == "" || serverKeyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting Loft HTTPS server", "port", httpsPort)
		err := httpsServer.ListenAndServeTLS(serverCrtFile, serverKeyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting Loft HTTP server", "port", *listenPort)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Loft Started")
	return eg.Wait()
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("Loft exited with error", "error", err)
		os.Exit(1)
	}
}
