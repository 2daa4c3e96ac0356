package onnx

import (
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/krau/konacaption/config"
)

var pathOnce sync.Once
var libPath string

func LibPath() string {
	pathOnce.Do(func() {
		libPath = resolveLibPath(config.C().Libonnx, os.Getenv("ONNXRUNTIME_LIB"), runtime.GOOS, fileExists)
		if libPath == "" {
			slog.Error("ONNX Runtime library path could not be determined for this OS")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		}
	})
	return libPath
}

var libCandidates = map[string][]string{
	"linux": {
		"onnxlibs/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	},
	"darwin": {
		"onnxlibs/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	},
	"windows": {
		"onnxlibs/onnxruntime.dll",
		"onnxruntime.dll",
	},
}

// resolveLibPath prefers the configured path, then the environment, then the
// first existing well-known location. If nothing exists the first candidate
// is returned so the runtime reports a useful load error.
func resolveLibPath(configured, env, goos string, exists func(string) bool) string {
	if configured != "" {
		return configured
	}
	if env != "" {
		return env
	}
	candidates := libCandidates[goos]
	for _, p := range candidates {
		if exists(p) {
			return p
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
