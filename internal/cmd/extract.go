package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/nguyenvq/arcx"
	"github.com/nguyenvq/arcx/util"
)

type Extract struct {
	Dir      flags.Filename `short:"d" long:"directory" description:"parent of the output directories, created when missing" default:"."`
	Password string         `short:"p" long:"password" env:"ARCX_PASSWORD" description:"password for encrypted archives"`
	Args     struct {
		Files []flags.Filename `positional-arg-name:"file" description:"the archives to extract" required:"yes"`
	} `positional-args:"yes"`

	logger *log.Logger
}

func (c *Extract) Execute(args []string) (err error) {
	if len(args) != 0 {
		return fmt.Errorf("unknown positional arguments: %s", strings.Join(args, " "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	if err = os.MkdirAll(string(c.Dir), 0755); err != nil {
		return fmt.Errorf(`create destination directory "%s" error: %w`, c.Dir, err)
	}

	success := 0
	n := len(c.Args.Files)
	for i, file := range c.Args.Files {
		c.logger = newLogger(i, n, file)
		c.logger.Printf("start extracting")

		out, err := c.extract(ctx, string(file))
		if err == nil {
			c.logger.Printf(`done extracting to "%s"`, out)
			success++
			continue
		}

		if errors.Is(err, context.Canceled) {
			break
		}

		c.logger.Printf("extract error: %v", err)
	}

	log.Printf("successfully extracted %d/%d archives", success, n)
	return nil
}

// extract unpacks one archive into a fresh directory named after the archive's stem, so repeated runs and
// sibling archives never write over each other.
func (c *Extract) extract(ctx context.Context, name string) (string, error) {
	a, err := arcx.Open(ctx, name)
	if err != nil {
		return "", err
	}

	stem, _ := util.StemAndExt(filepath.Base(name))
	out, err := util.MkExclDir(string(c.Dir), stem, 0755)
	if err != nil {
		return "", fmt.Errorf("create output directory error: %w", err)
	}

	report, done := progressBar(fmt.Sprintf(`extracting "%s"`, filepath.Base(name)))
	defer done()
	return out, a.Extract(ctx, out, func(opts *arcx.ExtractOptions) {
		opts.Password = c.Password
		opts.Progress = report
	})
}
