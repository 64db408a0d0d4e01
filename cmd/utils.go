package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/exe-blue/doai-me-app-sub000/internal/config"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func loadConfig() (*config.Fleet, error) {
	return config.Load(rootConfigPath)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
