package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog handler as the process-wide default and returns
// a logger tagged with the service name and environment. Environments other
// than production log at debug level.
func Setup(service, env string) *slog.Logger {
	env = strings.TrimSpace(env)
	level := slog.LevelDebug
	if strings.EqualFold(env, "production") {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	tagged := handler.WithAttrs(attrs)

	base := slog.New(tagged)
	slog.SetDefault(base)

	// Route the standard library logger through the same handler so
	// dependency log lines keep the structured shape.
	stdBridge := slog.NewLogLogger(tagged, slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)

	return base
}
