package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// AppVersion 应用版本号
const AppVersion = "0.3.1"

func usage() {
	fmt.Fprintf(os.Stderr, `Scribe %s - screen recording event reducer

Usage: scribe [global flags] <command> [command flags]

Commands:
  record            Start a recording session fed from a raw event stream
  reduce <id>       Reduce a recorded session into an action tree
  list              List recordings
  show <id>         Show a recording and its reduced actions
  frame <id>        Extract a single frame from the session video
  search <text>     Full-text search across reduced action descriptions
  export <id>       Export a recording to a %s archive
  import <file>     Import a recording archive
  rename <id> <name> Rename a recording
  delete <id>       Delete a recording and its files
  plugins           List loaded action plugins
  cleanup           Remove recordings older than the retention window
  version           Print version

Global flags:
  -data <dir>       Data directory (default %s)
  -verbose          Enable debug logging
`, AppVersion, ArchiveExt, DefaultDataDir())
}

func main() {
	globals := flag.NewFlagSet("scribe", flag.ExitOnError)
	dataDir := globals.String("data", "", "data directory")
	verbose := globals.Bool("verbose", false, "enable debug logging")
	globals.Usage = usage
	globals.Parse(os.Args[1:])

	args := globals.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "version" {
		fmt.Println("scribe", AppVersion)
		return
	}

	if *dataDir == "" {
		*dataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create data directory: %v\n", err)
		os.Exit(1)
	}

	logConfig := PersistentLogConfig(*dataDir)
	if *verbose {
		logConfig.Level = LogLevelDebug
	}
	if err := InitLogger(logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configMgr := NewConfigManager(*dataDir)
	if err := configMgr.Load(); err != nil {
		LogWarn("main").Err(err).Msg("Config load failed, using defaults")
	}
	cfg := configMgr.GetConfig()

	store, err := NewSessionStore(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database init failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	video := NewVideoServiceWithPaths(ctx, cfg.FFmpegPath, cfg.FFprobePath)
	manager := NewSessionManager(ctx, *dataDir, store, video)

	if cfg.Prediction != nil && cfg.Prediction.Enabled {
		manager.SetTargetPredictor(NewHTTPPredictor(HTTPPredictorConfig{
			Endpoint: cfg.Prediction.Endpoint,
			APIKey:   cfg.Prediction.APIKey,
			Model:    cfg.Prediction.Model,
		}))
	}

	var plugins *PluginManager
	if cfg.Plugins == nil || cfg.Plugins.Enabled {
		pluginDir := ""
		if cfg.Plugins != nil {
			pluginDir = cfg.Plugins.Dir
		}
		if pluginDir == "" {
			pluginDir = filepath.Join(*dataDir, "plugins")
		}
		plugins = NewPluginManager(pluginDir)
		if err := plugins.LoadAllPlugins(); err != nil {
			LogWarn("main").Err(err).Msg("Plugin load failed")
		}
		manager.SetPluginManager(plugins)
	}

	var cmdErr error
	switch args[0] {
	case "record":
		cmdErr = cmdRecord(ctx, manager, cfg, args[1:])
	case "reduce":
		cmdErr = cmdReduce(ctx, manager, cfg, args[1:])
	case "list":
		cmdErr = cmdList(manager, args[1:])
	case "show":
		cmdErr = cmdShow(manager, store, args[1:])
	case "frame":
		cmdErr = cmdFrame(manager, video, args[1:])
	case "search":
		cmdErr = cmdSearch(store, args[1:])
	case "export":
		cmdErr = cmdExport(manager, args[1:])
	case "import":
		cmdErr = cmdImport(manager, args[1:])
	case "rename":
		cmdErr = cmdRename(manager, args[1:])
	case "delete":
		cmdErr = cmdDelete(manager, args[1:])
	case "plugins":
		cmdErr = cmdPlugins(plugins)
	case "cleanup":
		cmdErr = cmdCleanup(store, args[1:])
	default:
		usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", cmdErr)
		os.Exit(1)
	}
}

// ========================================
// record
// ========================================

func cmdRecord(ctx context.Context, manager *SessionManager, cfg *AppConfig, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	name := fs.String("name", "", "recording name")
	width := fs.Float64("width", 1920, "screen width in pixels")
	height := fs.Float64("height", 1080, "screen height in pixels")
	fps := fs.Int("fps", 30, "video frame rate")
	input := fs.String("input", "-", "raw event stream (jsonl file, or - for stdin)")
	realtime := fs.Bool("realtime", false, "pace replayed events by their timestamps")
	reduce := fs.Bool("reduce", false, "reduce immediately after the stream ends")
	fs.Parse(args)

	var reader io.ReadCloser
	if *input == "-" {
		reader = os.Stdin
	} else {
		f, err := os.Open(*input)
		if err != nil {
			return fmt.Errorf("cannot open event stream: %w", err)
		}
		reader = f
	}

	source := NewJSONLEventSource(reader, *realtime)
	manager.SetEventSource(source)

	id, err := manager.StartRecording(*name, *width, *height, *fps)
	if err != nil {
		return err
	}
	fmt.Println("recording", id)

	// 事件流结束或收到中断信号, 两者先到为准
	select {
	case <-source.Done():
	case <-ctx.Done():
	}

	if _, err := manager.StopRecording(); err != nil {
		return err
	}
	fmt.Println("recorded", id)

	if *reduce && ctx.Err() == nil {
		if err := manager.ReduceRecording(id, cfg.Reduce); err != nil {
			return err
		}
		fmt.Println("reduced", id)
	}
	return nil
}

// ========================================
// reduce
// ========================================

func cmdReduce(ctx context.Context, manager *SessionManager, cfg *AppConfig, args []string) error {
	fs := flag.NewFlagSet("reduce", flag.ExitOnError)
	flatten := fs.Bool("flatten", cfg.Reduce.Flatten, "flatten the action tree in the vis dump")
	noWindowA11y := fs.Bool("no-window-a11y", !cfg.Reduce.GenerateWindowA11y, "skip window tree matching")
	noElementA11y := fs.Bool("no-element-a11y", !cfg.Reduce.GenerateElementA11y, "skip element target matching")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scribe reduce <recording-id>")
	}

	reduceCfg := ReduceConfig{
		GenerateWindowA11y:  !*noWindowA11y,
		GenerateElementA11y: !*noElementA11y,
		Flatten:             *flatten,
	}

	id := fs.Arg(0)
	if err := manager.ReduceRecording(id, reduceCfg); err != nil {
		return err
	}
	fmt.Println("reduced", id)
	return nil
}

// ========================================
// list / show / search
// ========================================

func cmdList(manager *SessionManager, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 50, "max rows")
	asJSON := fs.Bool("json", false, "print as JSON")
	fs.Parse(args)

	recs, err := manager.ListRecordings(*status, *limit)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	for _, rec := range recs {
		start := time.Unix(int64(rec.StartTime), 0).Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-10s  %s  events=%d actions=%d  %s\n",
			rec.ID, rec.Status, start, rec.EventCount, rec.ActionCount, rec.Name)
	}
	return nil
}

func cmdShow(manager *SessionManager, store *SessionStore, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print as JSON")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scribe show <recording-id>")
	}
	id := fs.Arg(0)

	rec, err := manager.GetRecording(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("recording not found: %s", id)
	}
	actions, err := store.GetActions(id)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"recording": rec,
			"actions":   actions,
		})
	}

	fmt.Printf("%s  %s  status=%s  events=%d  %.0fx%.0f @%dfps\n",
		rec.ID, rec.Name, rec.Status, rec.EventCount,
		rec.ScreenWidth, rec.ScreenHeight, rec.FPS)

	stats, err := store.GetActionKindStats(id)
	if err == nil && len(stats) > 0 {
		fmt.Print("kinds:")
		for kind, count := range stats {
			fmt.Printf(" %s=%d", kind, count)
		}
		fmt.Println()
	}

	for _, a := range actions {
		indent := ""
		for i := 0; i < a.Depth; i++ {
			indent += "  "
		}
		fmt.Printf("%8.3f  %s%-12s %s\n", a.StartTime, indent, a.Kind, a.Description)
	}
	return nil
}

func cmdFrame(manager *SessionManager, video *VideoService, args []string) error {
	fs := flag.NewFlagSet("frame", flag.ExitOnError)
	offset := fs.Float64("t", 1.0, "offset into the video in seconds")
	output := fs.String("o", "", "output image path (default <id>_<t>.jpg)")
	width := fs.Int("width", 0, "scale the frame to this width, 0 keeps the source size")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scribe frame <recording-id>")
	}
	id := fs.Arg(0)

	rec, err := manager.GetRecording(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("recording not found: %s", id)
	}
	videoPath := findVideoFile(rec.Path)
	if videoPath == "" {
		return fmt.Errorf("no video file in %s", rec.Path)
	}

	frame, err := video.ExtractFrame(videoPath, *offset, *width)
	if err != nil {
		return err
	}

	out := *output
	if out == "" {
		out = fmt.Sprintf("%s_%.3f.jpg", id, *offset)
	}
	if err := os.WriteFile(out, frame.Data, 0644); err != nil {
		return fmt.Errorf("cannot write frame: %w", err)
	}
	fmt.Printf("wrote %s (%dx%d)\n", out, frame.Width, frame.Height)
	return nil
}

func cmdSearch(store *SessionStore, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	recording := fs.String("recording", "", "restrict to one recording")
	limit := fs.Int("limit", 100, "max rows")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scribe search <text>")
	}

	results, err := store.SearchActions(*recording, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	for _, a := range results {
		fmt.Printf("%s #%d %8.3f  %-12s %s\n",
			a.RecordingID, a.ActionID, a.StartTime, a.Kind, a.Description)
	}
	return nil
}

// ========================================
// export / import / rename / delete
// ========================================

func cmdExport(manager *SessionManager, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	output := fs.String("o", "", "output path")
	reveal := fs.Bool("reveal", false, "reveal the archive in the file manager")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scribe export <recording-id>")
	}

	path, err := manager.ExportRecording(fs.Arg(0), *output)
	if err != nil {
		return err
	}
	fmt.Println("exported", path)

	if *reveal {
		if err := ShowInFolder(path); err != nil {
			LogWarn("main").Err(err).Msg("Cannot reveal archive")
		}
	}
	return nil
}

func cmdImport(manager *SessionManager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scribe import <file>")
	}
	id, err := manager.ImportRecording(args[0])
	if err != nil {
		return err
	}
	fmt.Println("imported", id)
	return nil
}

func cmdRename(manager *SessionManager, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: scribe rename <recording-id> <new-name>")
	}
	return manager.RenameRecording(args[0], args[1])
}

func cmdDelete(manager *SessionManager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scribe delete <recording-id>")
	}
	if err := manager.DeleteRecording(args[0]); err != nil {
		return err
	}
	fmt.Println("deleted", args[0])
	return nil
}

// ========================================
// plugins / cleanup
// ========================================

func cmdPlugins(plugins *PluginManager) error {
	if plugins == nil {
		fmt.Println("plugins disabled")
		return nil
	}
	ids := plugins.ListPlugins()
	if len(ids) == 0 {
		fmt.Println("no plugins loaded")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func cmdCleanup(store *SessionStore, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	days := fs.Int("days", 30, "delete recordings older than this many days")
	fs.Parse(args)

	removed, err := store.CleanupOldRecordings(time.Duration(*days) * 24 * time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d recordings\n", removed)
	return store.VacuumDatabase()
}

// ========================================
// JSONL Event Source - 事件流回放
// ========================================

// JSONLEventSource replays a raw event stream (one JSON object per line)
// into the recorder. 时间戳保留原值, realtime 模式下按时间差节奏回放.
type JSONLEventSource struct {
	reader   io.ReadCloser
	realtime bool
	done     chan struct{}
}

func NewJSONLEventSource(reader io.ReadCloser, realtime bool) *JSONLEventSource {
	return &JSONLEventSource{
		reader:   reader,
		realtime: realtime,
		done:     make(chan struct{}),
	}
}

// Done is closed when the stream has been fully replayed
func (s *JSONLEventSource) Done() <-chan struct{} {
	return s.done
}

// Run implements RawEventSource
func (s *JSONLEventSource) Run(ctx context.Context, emit func(RawEvent)) error {
	defer close(s.done)
	defer s.reader.Close()

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var prev float64
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event RawEvent
		if err := json.Unmarshal(line, &event); err != nil {
			LogWarn("event_source").Err(err).Msg("Skipping malformed event line")
			continue
		}

		if s.realtime && prev > 0 && event.TimeStamp > prev {
			delay := time.Duration((event.TimeStamp - prev) * float64(time.Second))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		prev = event.TimeStamp

		emit(event)
	}
	return scanner.Err()
}
