package bootstrap

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/LingByte/LingReach/pkg/config"
)

var colors = []string{
	"\x1b[38;5;165m",
	"\x1b[38;5;189m",
	"\x1b[38;5;207m",
	"\x1b[38;5;219m",
	"\x1b[38;5;225m",
	"\x1b[38;5;231m",
}

// PrintBannerFromFile prints a banner file line by line in color. A missing
// file falls back to defaultText.
func PrintBannerFromFile(w io.Writer, filename string, defaultText string) error {
	text := defaultText
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			text = string(data)
		case !os.IsNotExist(err):
			return err
		}
	}
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintln(w, colors[i%len(colors)]+line+"\x1b[0m")
	}
	return nil
}

// PrintStartup prints the effective settings an operator checks first.
func PrintStartup(w io.Writer, cfg *config.Config) {
	store := "redis " + cfg.Redis.URL
	if cfg.Redis.Memory {
		store = "memory"
	}
	rows := [][2]string{
		{"mode", cfg.Server.Mode},
		{"listen", cfg.Server.Addr},
		{"public url", cfg.Server.URL},
		{"api prefix", cfg.Server.APIPrefix},
		{"database", cfg.Database.Driver},
		{"session store", store},
		{"asr", cfg.Services.ASR.Provider},
		{"tts", cfg.Services.TTS.Provider},
		{"llm", cfg.Services.LLM.Provider + " " + cfg.Services.LLM.Model},
		{"form url", cfg.Outreach.FrontendURL},
	}
	for i, r := range rows {
		fmt.Fprintf(w, "%s%-14s\x1b[0m %s\n", colors[i%len(colors)], r[0], r[1])
	}
}
