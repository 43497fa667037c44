package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/nguyenvq/arcx"
)

type New struct {
	Args struct {
		Files []flags.Filename `positional-arg-name:"file" description:"the archives to create; the extension picks the format" required:"yes"`
	} `positional-args:"yes"`
}

func (c *New) Execute(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown positional arguments: %s", strings.Join(args, " "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	for _, file := range c.Args.Files {
		if _, err := arcx.Create(ctx, string(file)); err != nil {
			return err
		}
		log.Printf(`created "%s"`, file)
	}
	return nil
}
