package logutil

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const (
	attrMethod = "method"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

const (
	colorBlueIntense      = 12
	colorRedIntense       = 9
	colorLightBlueIntense = 14
	colorGreenIntense     = 10
)

// WithMethod annotates a logger with the collector RPC method being invoked.
func WithMethod(logger *slog.Logger, method string) *slog.Logger {
	return logger.With(attrMethod, method)
}

func init() {
	w := os.Stderr

	// Set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      LevelTrace,
			TimeFormat: time.Kitchen,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == slog.LevelKey {
					level := attr.Value.Any().(slog.Level)
					switch {
					case level < LevelDebug:
						attr.Value = slog.StringValue("TRACE")
					}
				}

				if attr.Key == attrMethod {
					switch attr.Value.String() {
					case "preconnect", "connect":
						return tint.Attr(colorBlueIntense, attr)
					case "shutdown":
						return tint.Attr(colorRedIntense, attr)
					case "agent_settings":
						return tint.Attr(colorLightBlueIntense, attr)
					default:
						return tint.Attr(colorGreenIntense, attr)
					}
				}
				return attr
			},
		}),
	))
}
