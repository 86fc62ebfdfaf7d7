package web

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/guard"
	"github.com/inercia/edgeguard/internal/identity"
)

// Access log event types.
const (
	EventBlocked          = "blocked"
	EventRateLimited      = "rate_limited"
	EventStoreUnavailable = "store_unavailable"
	EventSensitiveAccess  = "sensitive_access"
)

// AccessLogger writes security-relevant requests to a rotated file.
// A nil *AccessLogger is valid and logs nothing.
type AccessLogger struct {
	writer io.WriteCloser
	mu     sync.Mutex

	resolver       *identity.Resolver
	userFunc       guard.UserFunc
	sensitivePaths []string
	nowFunc        func() time.Time
}

// NewAccessLogger creates an access logger writing to cfg.Path.
// If the path is empty it returns nil (access logging disabled).
func NewAccessLogger(cfg config.AccessLogConfig, resolver *identity.Resolver, sensitivePaths []string) *AccessLogger {
	if cfg.Path == "" {
		return nil
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups < 0 {
		maxBackups = 1
	}

	if resolver == nil {
		resolver = identity.NewResolver(identity.Config{})
	}

	return &AccessLogger{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		},
		resolver:       resolver,
		userFunc:       guard.HeaderUser(guard.DefaultUserHeader),
		sensitivePaths: sensitivePaths,
		nowFunc:        time.Now,
	}
}

// SetUserFunc sets how the user column is filled.
func (a *AccessLogger) SetUserFunc(fn guard.UserFunc) {
	if a == nil || fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userFunc = fn
}

// Close closes the underlying file.
func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// LogEntry is a single access log line.
type LogEntry struct {
	Timestamp    time.Time
	ClientIP     string
	Method       string
	Path         string
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration
	UserAgent    string
	EventType    string
	Username     string
}

// Write appends entry in a Combined-like format:
//
//	timestamp client_ip "method path" status bytes duration_ms "user-agent" event [user=...]
func (a *AccessLogger) Write(entry LogEntry) {
	if a == nil || a.writer == nil {
		return
	}

	line := fmt.Sprintf("%s %s \"%s %s\" %d %d %dms \"%s\" %s",
		entry.Timestamp.UTC().Format(time.RFC3339),
		orDash(entry.ClientIP),
		entry.Method,
		escapeQuotes(entry.Path),
		entry.StatusCode,
		entry.BytesWritten,
		entry.Duration.Milliseconds(),
		escapeQuotes(entry.UserAgent),
		entry.EventType,
	)
	if entry.Username != "" {
		line += " user=" + escapeQuotes(entry.Username)
	}
	line += "\n"

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.writer.Write([]byte(line))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// escapeQuotes escapes quotes and backslashes for log safety.
func escapeQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(s[i])
		case '\n', '\r':
			b.WriteByte(' ')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func (a *AccessLogger) isSensitivePath(path string) bool {
	for _, p := range a.sensitivePaths {
		if path == p {
			return true
		}
	}
	return false
}

// eventType classifies a finished request. It returns "" for requests that
// are not security relevant.
func (a *AccessLogger) eventType(path string, statusCode int) string {
	switch statusCode {
	case http.StatusForbidden:
		return EventBlocked
	case http.StatusTooManyRequests:
		return EventRateLimited
	case http.StatusServiceUnavailable:
		return EventStoreUnavailable
	}
	if statusCode >= 200 && statusCode < 300 && a.isSensitivePath(path) {
		return EventSensitiveAccess
	}
	return ""
}

// accessLogResponseWriter captures the status code and bytes written.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (w *accessLogResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// Hijack implements http.Hijacker.
func (w *accessLogResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// Flush implements http.Flusher.
func (w *accessLogResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for interface detection.
func (w *accessLogResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware logs security-relevant requests after next has replied.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.nowFunc()
		wrapped := &accessLogResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		event := a.eventType(r.URL.Path, wrapped.statusCode)
		if event == "" {
			return
		}

		a.mu.Lock()
		userFunc := a.userFunc
		a.mu.Unlock()

		a.Write(LogEntry{
			Timestamp:    start,
			ClientIP:     a.resolver.Resolve(r),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   wrapped.statusCode,
			BytesWritten: wrapped.bytesWritten,
			Duration:     a.nowFunc().Sub(start),
			UserAgent:    r.UserAgent(),
			EventType:    event,
			Username:     userFunc(r),
		})
	})
}
