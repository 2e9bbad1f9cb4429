// Package config collects pipeline configuration from environment
// variables, in the teacher's envOr style, and supports declaring more
// than one named pipeline so a single binary instance can run several
// independent source→destination transforms concurrently.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Pipeline holds the construction parameters for one manager.Manager
// instance, per spec.md §4.5.
type Pipeline struct {
	Name        string
	Source      string
	Destination string
	FileFormat  string

	Width    int
	Height   int
	Channels int

	ChromaColor [3]byte
	Synchronize bool
	QueueSize   int
	JoinTimeout time.Duration

	PutTimeout        time.Duration
	DropIfPutTimeout  bool
	GetTimeout        time.Duration
	RouterPutTimeout  time.Duration
	DropFirstSegment  bool
}

// Config is the complete environment-derived configuration: zero or more
// named pipelines plus the debug/metrics HTTP listen address.
type Config struct {
	Pipelines []Pipeline
	DebugAddr string
	LogLevel  string
}

// Load reads Config from the process environment. FRAMEPIPE_PIPELINES is
// a comma-separated list of pipeline names; each name NAME contributes
// FRAMEPIPE_<NAME>_SOURCE, _DEST, _FORMAT, and the other per-pipeline
// variables below. A deployment with exactly one pipeline may omit
// FRAMEPIPE_PIPELINES and use FRAMEPIPE_SOURCE/_DEST/... directly; the
// pipeline is then named "default".
func Load() (Config, error) {
	cfg := Config{
		DebugAddr: envOr("FRAMEPIPE_DEBUG_ADDR", ":9090"),
		LogLevel:  envOr("FRAMEPIPE_LOG_LEVEL", "info"),
	}

	names := envOr("FRAMEPIPE_PIPELINES", "")
	var pipelineNames []string
	if names == "" {
		pipelineNames = []string{"default"}
	} else {
		for _, n := range strings.Split(names, ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				pipelineNames = append(pipelineNames, n)
			}
		}
	}

	for _, name := range pipelineNames {
		p, err := loadPipeline(name)
		if err != nil {
			return Config{}, fmt.Errorf("config: pipeline %q: %w", name, err)
		}
		cfg.Pipelines = append(cfg.Pipelines, p)
	}

	return cfg, nil
}

func loadPipeline(name string) (Pipeline, error) {
	prefix := "FRAMEPIPE_" + strings.ToUpper(name) + "_"
	if name == "default" && os.Getenv(prefix+"SOURCE") == "" {
		// Single-pipeline deployments may use the unprefixed variables.
		prefix = "FRAMEPIPE_"
	}

	source := os.Getenv(prefix + "SOURCE")
	if source == "" {
		return Pipeline{}, fmt.Errorf("%sSOURCE is required", prefix)
	}
	dest := os.Getenv(prefix + "DEST")
	if dest == "" {
		return Pipeline{}, fmt.Errorf("%sDEST is required", prefix)
	}

	width, err := envIntOr(prefix+"WIDTH", 0)
	if err != nil {
		return Pipeline{}, err
	}
	height, err := envIntOr(prefix+"HEIGHT", 0)
	if err != nil {
		return Pipeline{}, err
	}
	if width <= 0 || height <= 0 {
		return Pipeline{}, fmt.Errorf("%sWIDTH and %sHEIGHT must be set and positive", prefix, prefix)
	}

	queueSize, err := envIntOr(prefix+"QUEUE_SIZE", 8)
	if err != nil {
		return Pipeline{}, err
	}
	joinTimeout, err := envDurationOr(prefix+"JOIN_TIMEOUT", 8*time.Second)
	if err != nil {
		return Pipeline{}, err
	}
	putTimeout, err := envDurationOr(prefix+"PUT_TIMEOUT", 32*time.Second)
	if err != nil {
		return Pipeline{}, err
	}
	getTimeout, err := envDurationOr(prefix+"GET_TIMEOUT", time.Second)
	if err != nil {
		return Pipeline{}, err
	}
	routerPutTimeout, err := envDurationOr(prefix+"ROUTER_PUT_TIMEOUT", 8*time.Second)
	if err != nil {
		return Pipeline{}, err
	}
	dropIfPutTimeout, err := envBoolOr(prefix+"DROP_IF_PUT_TIMEOUT", true)
	if err != nil {
		return Pipeline{}, err
	}
	synchronize, err := envBoolOr(prefix+"SYNCHRONIZE", false)
	if err != nil {
		return Pipeline{}, err
	}
	dropFirstSegment, err := envBoolOr(prefix+"DROP_FIRST_SEGMENT", false)
	if err != nil {
		return Pipeline{}, err
	}

	return Pipeline{
		Name:             name,
		Source:           source,
		Destination:      dest,
		FileFormat:       envOr(prefix+"FORMAT", "mp4"),
		Width:            width,
		Height:           height,
		Channels:         3,
		ChromaColor:      [3]byte{0, 0, 0},
		Synchronize:      synchronize,
		QueueSize:        queueSize,
		JoinTimeout:      joinTimeout,
		PutTimeout:       putTimeout,
		DropIfPutTimeout: dropIfPutTimeout,
		GetTimeout:       getTimeout,
		RouterPutTimeout: routerPutTimeout,
		DropFirstSegment: dropFirstSegment,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func envBoolOr(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q: %w", key, v, err)
	}
	return b, nil
}

func envDurationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}
