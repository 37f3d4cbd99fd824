package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/mixtex"
	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/feedback"
	"github.com/knights-analytics/mixtex/pipelines"
	"github.com/knights-analytics/mixtex/worker"
)

var jsonOutput bool
var stream bool
var printStats bool

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Recognize formula images and print their LaTeX",
	Description: `Run recognizes every image given as argument, in order, and prints one result per line.
				If no image is given and stdin is not a terminal, a single image is read from stdin.
				Results that repeat themselves are stored in the feedback table with the Repeat label.`,
	ArgsUsage: "[image...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print one json object per image instead of the bare LaTeX",
			Aliases:     []string{"j"},
			Destination: &jsonOutput,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "Echo decoded tokens to stderr while they are produced",
			Destination: &stream,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "Print the pipeline statistics when done",
			Destination: &printStats,
		},
	},
	Action: func(c *cli.Context) (err error) {
		sources, err := runSources(c.Args().Slice())
		if err != nil {
			return err
		}

		var pipelineOptions []mixtex.LatexOCROption
		if stream {
			pipelineOptions = append(pipelineOptions, pipelines.WithOnToken(func(piece string) {
				fmt.Fprint(os.Stderr, piece)
			}))
		}
		session, pipeline, err := openPipeline(c.Context, settings, pipelineOptions...)
		if err != nil {
			return err
		}
		defer func() {
			if printStats {
				for _, stats := range session.GetStatistics() {
					stats.Print()
				}
			}
			err = errors.Join(err, session.Destroy())
		}()

		store, err := config.Open(settings.ConfigFile)
		if err != nil {
			return err
		}
		records, err := feedback.Open(settings.DataDir)
		if err != nil {
			return err
		}

		done := make(chan worker.Outcome, 1)
		w := worker.New(pipeline, store,
			worker.WithFeedback(records),
			worker.WithWorthThreshold(settings.Decoding.FeedbackRepeatThreshold),
			worker.WithOnDone(func(outcome worker.Outcome) {
				done <- outcome
			}),
		)
		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()
		w.Start(ctx)

		failed := 0
		for _, source := range sources {
			if _, triggerErr := w.Trigger(source.source); triggerErr != nil {
				return triggerErr
			}
			var outcome worker.Outcome
			select {
			case outcome = <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if outcome.Err != nil {
				failed++
			}
			if writeErr := writeOutcome(c.App.Writer, source.name, outcome); writeErr != nil {
				return writeErr
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(sources))
		}
		return nil
	},
}

type namedSource struct {
	source worker.ImageSource
	name   string
}

func runSources(paths []string) ([]namedSource, error) {
	sources := make([]namedSource, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, namedSource{source: worker.FileSource(p), name: p})
	}
	if len(sources) > 0 {
		return sources, nil
	}
	if isTerminal(os.Stdin) {
		return nil, errors.New("no image given, pass image paths or pipe an image on stdin")
	}
	// there is something to process on stdin
	return []namedSource{{source: worker.ReaderSource(os.Stdin), name: "-"}}, nil
}

type runOutput struct {
	Image   string `json:"image"`
	Latex   string `json:"latex"`
	Raw     string `json:"raw"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
	Steps   int    `json:"steps"`
	Elapsed string `json:"elapsed"`
}

func writeOutcome(w io.Writer, name string, outcome worker.Outcome) error {
	if !jsonOutput {
		if outcome.Err != nil {
			_, err := fmt.Fprintf(os.Stderr, "%s: %v\n", name, outcome.Err)
			return err
		}
		_, err := fmt.Fprintln(w, outcome.Text)
		return err
	}

	out := runOutput{
		Image:   name,
		Latex:   outcome.Text,
		Raw:     outcome.Raw,
		State:   outcome.State.String(),
		Steps:   outcome.Steps,
		Elapsed: outcome.Elapsed.Round(time.Millisecond).String(),
	}
	if outcome.Err != nil {
		out.Error = outcome.Err.Error()
	}
	outputBytes, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(outputBytes))
	return err
}
