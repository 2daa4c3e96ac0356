package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/konacaption/config"
	"github.com/krau/konacaption/onnx"
	"github.com/krau/konacaption/server"
	ort "github.com/yalue/onnxruntime_go"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	slog.Info("Starting KonaCaption")

	ort.SetSharedLibraryPath(onnx.LibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("Failed to initialize ONNX Runtime environment", slog.String("error", err.Error()))
		return
	}
	defer ort.DestroyEnvironment()

	cfg := config.C()
	captioner, model, err := server.Init(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize server", slog.String("error", err.Error()))
		return
	}
	defer model.Close()

	gallery, err := server.BuildGallery(ctx, cfg.ExampleDir, captioner, cfg.MaxImagePixels)
	if err != nil {
		slog.Error("Failed to caption examples", slog.String("error", err.Error()))
		return
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(captioner, gallery, server.Options{
		Token:       cfg.Token,
		MaxUploadMB: cfg.MaxUploadMB,
		MaxPixels:   cfg.MaxImagePixels,
	})

	addr := cfg.Host + ":" + cfg.Port
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}
	slog.Info("Listening on", slog.String("address", addr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", slog.String("error", err.Error()))
	}
}
