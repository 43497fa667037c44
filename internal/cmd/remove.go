package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/nguyenvq/arcx"
)

type Remove struct {
	Archive  flags.Filename `short:"f" long:"file" description:"the archive to remove entries from" required:"yes"`
	Password string         `short:"p" long:"password" env:"ARCX_PASSWORD" description:"password for encrypted archives"`
	Args     struct {
		Paths []string `positional-arg-name:"path" description:"in-archive paths; a directory takes its whole subtree" required:"yes"`
	} `positional-args:"yes"`
}

func (c *Remove) Execute(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown positional arguments: %s", strings.Join(args, " "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	name := string(c.Archive)
	a, err := arcx.Open(ctx, name)
	if err != nil {
		return err
	}

	// to prevent accidental deletion, prompt for each path.
	prompt := true
	reader := bufio.NewReader(os.Stdin)
	var confirmed []string

pathLoop:
	for _, path := range c.Args.Paths {
	promptLoop:
		for prompt {
			fmt.Printf("Confirm removal of \"%s\" from \"%s\":\n", path, name)
			fmt.Printf("\tY/y: to remove this path\n")
			fmt.Printf("\tN/n: to skip this path\n")
			fmt.Printf("\tF/f: to remove all remaining paths including this without prompt\n")

			line, err := reader.ReadString('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					log.Printf("stdin ended; nothing was removed")
					return nil
				}
				return fmt.Errorf("read prompt error: %w", err)
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y":
				break promptLoop
			case "n":
				continue pathLoop
			case "f":
				prompt = false
			}
		}

		confirmed = append(confirmed, path)
	}

	if len(confirmed) == 0 {
		log.Printf("nothing to remove")
		return nil
	}

	report, done := progressBar(fmt.Sprintf(`rewriting "%s"`, filepath.Base(name)))
	defer done()
	return a.Delete(ctx, confirmed, func(opts *arcx.DeleteOptions) {
		opts.Password = c.Password
		opts.Progress = report
	})
}
