// Package logging provides standardized logging utilities for lanserve.
package logging

import (
	"log"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FuncLogger returns a logger with the function name as a field and the current time
// to measure elapsed time for the function execution
func FuncLogger(logger *zap.Logger, funcName string) (*zap.Logger, time.Time) {
	logger = logger.With(zap.String("location", funcName))
	logger.Info(funcName+" started", zap.Time("start_time", time.Now()))
	return logger, time.Now()
}

// FuncExit logs the exit point of a function with elapsed time
func FuncExit(logger *zap.Logger, start time.Time) {
	logger.With(zap.Duration("elapsed", time.Since(start))).Info("function exited")
}

// SetupLogger creates a configured logger instance with consistent settings
// across all lanserve components. Returns logger, atomic level, and error.
func SetupLogger(debug bool) (*zap.Logger, zap.AtomicLevel, error) {
	var atom zap.AtomicLevel
	var config zap.Config

	if debug {
		atom = zap.NewAtomicLevelAt(zap.DebugLevel)
		config = zap.NewDevelopmentConfig()
	} else {
		atom = zap.NewAtomicLevelAt(zap.InfoLevel)
		config = zap.NewProductionConfig()
	}

	config.Level = atom
	logger, err := config.Build()
	return logger, atom, err
}

const handshakeErrorMarker = "TLS handshake error"

// errorLogWriter receives lines written by net/http's internal logger.
type errorLogWriter struct {
	logger           *zap.Logger
	onHandshakeError func()
}

func (w *errorLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	msg = strings.TrimPrefix(msg, "http: ")

	if strings.Contains(msg, handshakeErrorMarker) {
		// Handshake failures are client noise on a LAN server, keep them at debug.
		w.logger.Debug("TLS handshake failed", zap.String("detail", msg))
		if w.onHandshakeError != nil {
			w.onHandshakeError()
		}
		return len(p), nil
	}

	w.logger.Warn("HTTP server error", zap.String("detail", msg))
	return len(p), nil
}

// NewErrorLog returns a *log.Logger suitable for http.Server.ErrorLog that
// forwards to zap. onHandshakeError may be nil.
func NewErrorLog(logger *zap.Logger, onHandshakeError func()) *log.Logger {
	w := &errorLogWriter{
		logger:           logger.With(zap.String("component", "http")),
		onHandshakeError: onHandshakeError,
	}
	return log.New(w, "", 0)
}
