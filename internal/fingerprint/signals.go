package fingerprint

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Signals is the fixed, ordered bundle of environment signals a
// fingerprint is derived from. Field order is the serialization order.
type Signals struct {
	Screen   ScreenSignal  `json:"screen"`
	Browser  BrowserSignal `json:"browser"`
	Timezone string        `json:"timezone"`
	Canvas   string        `json:"canvas"`
	WebGL    WebGLSignal   `json:"webgl"`
	Audio    string        `json:"audio"`
}

type ScreenSignal struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	ColorDepth int `json:"color_depth"`
}

type BrowserSignal struct {
	UserAgent           string `json:"user_agent"`
	Platform            string `json:"platform"`
	Language            string `json:"language"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
}

type WebGLSignal struct {
	Vendor   string `json:"vendor"`
	Renderer string `json:"renderer"`
}

// Source collects the signals of the current device.
type Source interface {
	Collect(ctx context.Context) (Signals, error)
}

// Collect lets a fixed Signals value act as its own Source, for signals
// reported by a remote client.
func (s Signals) Collect(ctx context.Context) (Signals, error) {
	return s, nil
}

// HostSource reads signals from the local process environment. Terminal
// geometry stands in for display geometry and the host name for the
// rendered canvas.
type HostSource struct {
	Version string
	Getenv  func(string) string
}

func NewHostSource(version string) *HostSource {
	return &HostSource{Version: version, Getenv: os.Getenv}
}

func (h *HostSource) Collect(ctx context.Context) (Signals, error) {
	if err := ctx.Err(); err != nil {
		return Signals{}, err
	}

	getenv := h.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	host, err := os.Hostname()
	if err != nil {
		return Signals{}, fmt.Errorf("failed to read host name: %w", err)
	}

	_, offset := time.Now().Zone()

	return Signals{
		Screen: ScreenSignal{
			Width:      atoi(getenv("COLUMNS")),
			Height:     atoi(getenv("LINES")),
			ColorDepth: colorDepth(getenv("COLORTERM"), getenv("TERM")),
		},
		Browser: BrowserSignal{
			UserAgent:           "economy/" + h.Version + " " + runtime.Version(),
			Platform:            runtime.GOOS + "/" + runtime.GOARCH,
			Language:            firstNonEmpty(getenv("LC_ALL"), getenv("LANG")),
			HardwareConcurrency: runtime.NumCPU(),
		},
		Timezone: fmt.Sprintf("%s%+d", time.Local.String(), offset/60),
		Canvas:   host,
		WebGL: WebGLSignal{
			Vendor:   runtime.Compiler,
			Renderer: runtime.GOARCH,
		},
		Audio: getenv("AUDIODEV"),
	}, nil
}

func colorDepth(colorterm, term string) int {
	switch {
	case colorterm == "truecolor" || colorterm == "24bit":
		return 24
	case strings.Contains(term, "256color"):
		return 8
	case term == "" || term == "dumb":
		return 0
	default:
		return 4
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
