package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/feedback"
	"github.com/knights-analytics/mixtex/util/checks"
	"github.com/knights-analytics/mixtex/worker"
)

var watchDir string
var printOnly bool
var settleDelay time.Duration

var errQuit = errors.New("quit")

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Recognize every image written to a folder and copy the result to the clipboard",
	Description: `Watch keeps the model loaded and recognizes each image created in the folder, one at a
				time. Images arriving while a recognition is running are skipped. Commands read from stdin
				rate the last result or change the output preferences; type help to list them.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "dir",
			Usage:       "Folder to watch for new images",
			Aliases:     []string{"w"},
			Destination: &watchDir,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "stdout",
			Usage:       "Print results instead of copying them to the clipboard",
			Destination: &printOnly,
		},
		&cli.DurationFlag{
			Name:        "settle",
			Usage:       "Quiet period after the last write to an image before it is recognized",
			Destination: &settleDelay,
			Value:       300 * time.Millisecond,
		},
	},
	Action: func(c *cli.Context) error {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		if err = watcher.Add(watchDir); err != nil {
			return fmt.Errorf("watching %s: %w", watchDir, err)
		}

		session, pipeline, err := openPipeline(c.Context, settings)
		checks.CheckWithMessage(err, "could not load the model")
		defer func() {
			checks.CheckWithMessage(session.Destroy(), "could not release the model")
		}()

		store, err := config.Open(settings.ConfigFile)
		if err != nil {
			return err
		}
		records, err := feedback.Open(settings.DataDir)
		if err != nil {
			return err
		}

		var sink worker.Sink = &worker.WriterSink{W: c.App.Writer}
		if !printOnly {
			sink = worker.MultiSink{worker.ClipboardSink{}, sink}
		}
		w := worker.New(pipeline, store,
			worker.WithFeedback(records),
			worker.WithSink(sink),
			worker.WithWorthThreshold(settings.Decoding.FeedbackRepeatThreshold),
		)
		handler := &commandHandler{
			worker: w,
			store:  store,
			out:    c.App.Writer,
			stats: func() {
				for _, stats := range session.GetStatistics() {
					stats.Print()
				}
			},
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return w.Run(gctx)
		})
		g.Go(func() error {
			return watchImages(gctx, watcher, w, settleDelay)
		})
		g.Go(func() error {
			return serveCommands(gctx, readLines(os.Stdin), handler)
		})
		log.Info().Str("dir", watchDir).Msg("watching for images")

		err = g.Wait()
		if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// watchImages triggers one recognition per image once its file has stopped changing
// for settle. Every create or write event on a path restarts its timer.
func watchImages(ctx context.Context, watcher *fsnotify.Watcher, w *worker.Worker, settle time.Duration) error {
	type pendingImage struct {
		timer *time.Timer
		seq   uint64
	}
	type settledImage struct {
		path string
		seq  uint64
	}
	var seq uint64
	pending := map[string]pendingImage{}
	settled := make(chan settledImage)
	stopped := make(chan struct{})
	defer func() {
		close(stopped)
		for _, p := range pending {
			p.timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !imageExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			path := event.Name
			if p, found := pending[path]; found {
				p.timer.Stop()
			}
			seq++
			fired := settledImage{path: path, seq: seq}
			pending[path] = pendingImage{seq: seq, timer: time.AfterFunc(settle, func() {
				select {
				case settled <- fired:
				case <-stopped:
				}
			})}
		case ready := <-settled:
			// a timer replaced after it already fired is stale
			if p, found := pending[ready.path]; !found || p.seq != ready.seq {
				continue
			}
			path := ready.path
			delete(pending, path)
			if info, err := os.Stat(path); err != nil || info.Size() == 0 {
				log.Debug().Str("image", path).Msg("image gone or empty, skipped")
				continue
			}
			id, err := w.Trigger(worker.FileSource(path))
			if err != nil {
				log.Debug().Err(err).Str("image", path).Msg("image skipped")
				continue
			}
			log.Debug().Str("request", id).Str("image", path).Msg("recognition triggered")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// readLines forwards the lines of r until it is exhausted. The reader goroutine is not
// tied to any context since a blocked read cannot be interrupted.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func serveCommands(ctx context.Context, lines <-chan string, h *commandHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// stdin closed, keep watching
				<-ctx.Done()
				return ctx.Err()
			}
			if err := h.handle(line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(h.out, "error: %v\n", err)
			}
		}
	}
}

type commandHandler struct {
	worker *worker.Worker
	store  *config.Store
	out    io.Writer
	stats  func()
}

const commandHelp = `perfect | normal | mistake | error   rate the last result
annotate <text>                     record a correction for the last result
pause | resume | toggle             stop or restart recognition
inline | align | equations          toggle the output preferences
hotkey <combo>                      change the capture hotkey
config                              show the output preferences
last                                print the last result again
stats                               print the pipeline statistics
quit                                stop watching`

func (h *commandHandler) handle(line string) error {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "":
		return nil
	case "perfect", "normal", "mistake", "error":
		label, err := feedback.ParseLabel(strings.ToLower(name))
		if err != nil {
			return err
		}
		record, err := h.worker.Feedback(label)
		if err != nil {
			return err
		}
		fmt.Fprintf(h.out, "recorded %s as %s\n", record.FileName, record.Label)
	case "annotate":
		record, err := h.worker.Annotate(arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(h.out, "recorded %s as %s\n", record.FileName, record.Label)
	case "pause":
		h.worker.Pause()
		fmt.Fprintln(h.out, "paused")
	case "resume":
		h.worker.Resume()
		fmt.Fprintln(h.out, "resumed")
	case "toggle":
		if h.worker.Toggle() {
			fmt.Fprintln(h.out, "paused")
		} else {
			fmt.Fprintln(h.out, "resumed")
		}
	case "inline", "align", "equations":
		cfg, err := toggleOption(h.store, strings.ToLower(name))
		if err != nil {
			return err
		}
		return writeConfig(h.out, cfg)
	case "hotkey":
		cfg, err := h.store.SetHotkey(arg)
		if err != nil {
			return err
		}
		return writeConfig(h.out, cfg)
	case "config":
		return writeConfig(h.out, h.store.Snapshot())
	case "last":
		last, ok := h.worker.Last()
		if !ok || last.Err != nil && last.Text == "" {
			return worker.ErrNothingToRate
		}
		fmt.Fprintln(h.out, last.Text)
	case "stats":
		if h.stats != nil {
			h.stats()
		}
	case "help":
		fmt.Fprintln(h.out, commandHelp)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type help for the list", name)
	}
	return nil
}
