package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/mixtex"
	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/feedback"
	"github.com/knights-analytics/mixtex/util/imageutil"
)

func toggleOption(store *config.Store, option string) (config.Config, error) {
	switch option {
	case "inline":
		return store.ToggleInlineMath()
	case "align":
		return store.ToggleAlignMath()
	case "equations":
		return store.ToggleAlignToEquations()
	}
	return config.Config{}, fmt.Errorf("unknown option %q, expected inline, align or equations", option)
}

func writeConfig(w io.Writer, cfg config.Config) error {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Show or change the output preferences",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "Print the output preferences",
			Action: func(c *cli.Context) error {
				store, err := config.Open(settings.ConfigFile)
				if err != nil {
					return err
				}
				return writeConfig(c.App.Writer, store.Snapshot())
			},
		},
		{
			Name:      "toggle",
			Usage:     "Flip one of the output preferences",
			ArgsUsage: "inline | align | equations",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return errors.New("toggle expects exactly one of inline, align or equations")
				}
				store, err := config.Open(settings.ConfigFile)
				if err != nil {
					return err
				}
				cfg, err := toggleOption(store, c.Args().First())
				if err != nil {
					return err
				}
				return writeConfig(c.App.Writer, cfg)
			},
		},
		{
			Name:      "hotkey",
			Usage:     "Change the capture hotkey",
			ArgsUsage: "combo, for example ctrl+alt+f",
			Action: func(c *cli.Context) error {
				store, err := config.Open(settings.ConfigFile)
				if err != nil {
					return err
				}
				cfg, err := store.SetHotkey(c.Args().First())
				if err != nil {
					return err
				}
				return writeConfig(c.App.Writer, cfg)
			},
		},
	},
}

var feedbackImage string
var feedbackText string
var feedbackLabel string

var feedbackCommand = &cli.Command{
	Name:  "feedback",
	Usage: "Inspect or extend the feedback table",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "Print the recorded feedback",
			Action: func(c *cli.Context) error {
				records, err := feedback.Open(settings.DataDir)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FILE\tFEEDBACK\tTEXT")
				for _, record := range records.Records() {
					fmt.Fprintf(tw, "%s\t%s\t%q\n", record.FileName, record.Label, record.Text)
				}
				return tw.Flush()
			},
		},
		{
			Name:  "add",
			Usage: "Record an image with its text and a label",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:        "image",
					Usage:       "Path to the formula image",
					Aliases:     []string{"i"},
					Destination: &feedbackImage,
					Required:    true,
				},
				&cli.StringFlag{
					Name:        "text",
					Usage:       "LaTeX of the image",
					Aliases:     []string{"t"},
					Destination: &feedbackText,
					Required:    true,
				},
				&cli.StringFlag{
					Name:        "label",
					Usage:       "perfect, normal, mistake, error or repeat",
					Aliases:     []string{"l"},
					Destination: &feedbackLabel,
					Value:       "perfect",
				},
			},
			Action: func(c *cli.Context) error {
				label, err := feedback.ParseLabel(feedbackLabel)
				if err != nil {
					return err
				}
				images, err := imageutil.LoadImagesFromPaths([]string{feedbackImage})
				if err != nil {
					return err
				}
				records, err := feedback.Open(settings.DataDir)
				if err != nil {
					return err
				}
				record, err := records.Save(images[0], feedbackText, label)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.App.Writer, "recorded %s as %s\n", record.FileName, record.Label)
				return err
			},
		},
	},
}

var downloadToken string
var downloadBranch string
var downloadVerbose bool

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "Download a model from Hugging Face into the model folder",
	ArgsUsage: "[repository], defaults to " + mixtex.DefaultModel,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Hugging Face access token",
			EnvVars:     []string{"HF_TOKEN"},
			Destination: &downloadToken,
		},
		&cli.StringFlag{
			Name:        "branch",
			Usage:       "Repository revision",
			Destination: &downloadBranch,
			Value:       "main",
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Show download progress",
			Aliases:     []string{"v"},
			Destination: &downloadVerbose,
		},
	},
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			name = mixtex.DefaultModel
		}
		downloadOptions := mixtex.NewDownloadOptions()
		downloadOptions.AuthToken = downloadToken
		downloadOptions.Branch = downloadBranch
		downloadOptions.Verbose = downloadVerbose
		path, err := mixtex.DownloadModel(c.Context, name, modelsDir, downloadOptions)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, path)
		return err
	},
}

var settingsCommand = &cli.Command{
	Name:  "settings",
	Usage: "Print settings",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "Print the effective settings after flags and environment are applied",
			Action: func(c *cli.Context) error {
				out, err := toml.Marshal(settings)
				if err != nil {
					return err
				}
				_, err = c.App.Writer.Write(out)
				return err
			},
		},
		{
			Name:  "sample",
			Usage: "Print a settings file with every default",
			Action: func(c *cli.Context) error {
				out, err := config.Sample()
				if err != nil {
					return err
				}
				_, err = c.App.Writer.Write(out)
				return err
			},
		},
	},
}
