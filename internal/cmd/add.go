package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/nguyenvq/arcx"
)

type Add struct {
	Archive  flags.Filename `short:"f" long:"file" description:"the target archive, created when missing" required:"yes"`
	Folder   string         `short:"C" long:"folder" description:"in-archive folder receiving the new entries"`
	Password string         `short:"p" long:"password" env:"ARCX_PASSWORD" description:"password unlocking the archive; new entries are encrypted with it"`
	Level    string         `short:"l" long:"level" choice:"store" choice:"fast" choice:"normal" choice:"best" default:"normal" description:"compression level for the new entries"`
	Args     struct {
		Files []flags.Filename `positional-arg-name:"file" description:"files keep their relative path as the entry name; directories are walked" required:"yes"`
	} `positional-args:"yes"`
}

func (c *Add) Execute(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown positional arguments: %s", strings.Join(args, " "))
	}

	level, err := arcx.ParseLevel(c.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	name := string(c.Archive)
	a, err := arcx.Open(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf(`creating "%s"`, name)
		a, err = arcx.Create(ctx, name)
	}
	if err != nil {
		return err
	}

	var sources []arcx.Source
	for _, file := range c.Args.Files {
		switch fi, err := os.Stat(string(file)); {
		case err != nil:
			return fmt.Errorf(`stat "%s" error: %w`, file, err)
		case fi.IsDir():
			srcs, err := arcx.SourcesFromDir(ctx, string(file))
			if err != nil {
				return fmt.Errorf(`walk directory "%s" error: %w`, file, err)
			}
			sources = append(sources, srcs...)
		default:
			sources = append(sources, arcx.Sources(string(file))...)
		}
	}

	report, done := progressBar(fmt.Sprintf(`adding to "%s"`, filepath.Base(name)))
	defer done()
	return a.Add(ctx, sources, c.Folder, func(opts *arcx.AddOptions) {
		opts.Password = c.Password
		opts.Level = level
		opts.Progress = report
	})
}
