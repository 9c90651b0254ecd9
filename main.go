package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tg.sandbox/wsengine/logging"
	"tg.sandbox/wsengine/websocket"
	"tg.sandbox/wsengine/websocket/ext"
)

type DeflateConfig struct {
	Enabled                 bool  `yaml:"enabled"`
	Level                   int   `yaml:"level"`
	MinSize                 int64 `yaml:"min_size"`
	ServerNoContextTakeover bool  `yaml:"server_no_context_takeover"`
	ClientNoContextTakeover bool  `yaml:"client_no_context_takeover"`
	ServerMaxWindowBits     int   `yaml:"server_max_window_bits"`
	ClientMaxWindowBits     int   `yaml:"client_max_window_bits"`
}

type AppConfig struct {
	Listen    string           `yaml:"listen"`
	Path      string           `yaml:"path"`
	Handler   string           `yaml:"handler"`
	Protocols []string         `yaml:"protocols"`
	Logging   logging.Config   `yaml:"logging"`
	Tunnel    websocket.Config `yaml:"tunnel"`
	Deflate   DeflateConfig    `yaml:"deflate"`
	Limiter   *ext.Limiter     `yaml:"limiter"`
	Keepalive *ext.Keepalive   `yaml:"keepalive"`
	// Trace prints every tunnel event at this verbosity; negative is off.
	Trace int `yaml:"trace"`
}

func defaultConfig() AppConfig {
	return AppConfig{
		Listen:  ":8080",
		Path:    "/ws",
		Handler: "echo",
		Deflate: DeflateConfig{Enabled: true, Level: -1, MinSize: ext.DefaultMinSizeToCompress},
		Trace:   -1,
	}
}

func loadConfig(path string) (AppConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c AppConfig) options(log *zap.Logger) websocket.Options {
	opts := websocket.Options{
		Config:    c.Tunnel,
		Logger:    log,
		Protocols: c.Protocols,
		Path:      c.Path,
	}
	if c.Deflate.Enabled {
		d := ext.NewDeflate()
		d.CompressionLevel = c.Deflate.Level
		d.MinSizeToCompress = c.Deflate.MinSize
		d.ServerNoContextTakeover = c.Deflate.ServerNoContextTakeover
		d.ClientNoContextTakeover = c.Deflate.ClientNoContextTakeover
		d.ServerMaxWindowBits = c.Deflate.ServerMaxWindowBits
		d.ClientMaxWindowBits = c.Deflate.ClientMaxWindowBits
		opts.Extensions = append(opts.Extensions, d)
	}
	if c.Limiter != nil {
		opts.Extensions = append(opts.Extensions, ext.NewLimiter(c.Limiter.InboundLimit, c.Limiter.OutboundLimit, c.Limiter.Mode))
	}
	if c.Keepalive != nil {
		opts.Plugins = append(opts.Plugins, c.Keepalive)
	}
	if c.Trace >= 0 {
		opts.Plugins = append(opts.Plugins, &websocket.TraceEvents{Log: logging.NewStdoutLogger(), Verbosity: c.Trace})
	}
	return opts
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	listen := flag.String("listen", "", "address to serve on, overrides the config")
	connect := flag.String("connect", "", "connect to this ws:// or wss:// URL instead of serving")
	message := flag.String("message", "hello", "text sent with -connect")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	log := logging.New(cfg.Logging)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *connect != "" {
		if err := runClient(ctx, cfg, log, *connect, *message); err != nil {
			log.Error("client failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	var handler websocket.Handler
	switch cfg.Handler {
	case "echo", "":
		handler = websocket.EchoHandler
	case "pubsub":
		handler = websocket.NewBroker().Handle
	default:
		log.Fatal("unknown handler", zap.String("handler", cfg.Handler))
	}
	if err := websocket.Start(ctx, cfg.Listen, cfg.Path, cfg.options(log), handler); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// runClient sends one text message and prints the first reply.
func runClient(ctx context.Context, cfg AppConfig, log *zap.Logger, url, text string) error {
	opts := cfg.options(log)
	opts.Path = ""
	opts.Plugins = append(opts.Plugins, ext.NewAutoReconnect())
	t, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.Config().Timeout)
	defer cancel()
	t.Events.On(websocket.EventPickProcessor, func(ev *websocket.Event) error {
		ev.Sink = websocket.NewBufferSink(0, func(_ *websocket.Processor, _, app websocket.DataSource) error {
			fmt.Println(websocket.ReadString(app))
			cancel()
			return nil
		})
		return nil
	})
	if err := t.QueueText(text); err != nil {
		return err
	}
	start := time.Now()
	err = t.Loop(ctx, 0)
	log.Info("client done", zap.Duration("elapsed", time.Since(start)), zap.Stringer("close", t.CloseStatusCode()))
	if ctx.Err() != nil {
		return nil
	}
	return err
}
