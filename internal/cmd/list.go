package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/nguyenvq/arcx"
)

type List struct {
	Password string  `short:"p" long:"password" env:"ARCX_PASSWORD" description:"password for encrypted archives"`
	Long     bool    `short:"l" long:"long" description:"show entry sizes and modification times"`
	Dir      *string `short:"d" long:"directory" description:"show only the immediate children of this in-archive directory"`
	Args     struct {
		Files []flags.Filename `positional-arg-name:"file" description:"the archives to list" required:"yes"`
	} `positional-args:"yes"`
}

func (c *List) Execute(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown positional arguments: %s", strings.Join(args, " "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	for i, file := range c.Args.Files {
		if len(c.Args.Files) > 1 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("==> %s <==\n", file)
		}

		if err := c.list(ctx, string(file)); err != nil {
			return err
		}
	}
	return nil
}

func (c *List) list(ctx context.Context, name string) error {
	a, err := arcx.Open(ctx, name)
	if err != nil {
		return err
	}

	catalog, err := a.Catalog(ctx, func(opts *arcx.ListOptions) {
		opts.Password = c.Password
	})
	if err != nil {
		return err
	}

	entries := catalog.Entries()
	if c.Dir != nil {
		switch dir := *c.Dir; {
		case dir == "" || dir == "/" || dir == ".":
			entries = catalog.Children("")
		default:
			e, ok := catalog.Lookup(dir)
			if !ok {
				return fmt.Errorf(`"%s" matches no entry in "%s"`, dir, name)
			}
			if !e.IsDirectory {
				return fmt.Errorf(`"%s" is not a directory in "%s"`, dir, name)
			}
			entries = catalog.Children(dir)
		}
	}

	for _, e := range entries {
		full := e.FullName
		if e.IsDirectory {
			full += "/"
		}
		if !c.Long {
			fmt.Println(full)
			continue
		}

		size, mtime := "-", "-"
		if !e.IsDirectory {
			size = humanize.IBytes(uint64(e.Size))
		}
		if !e.LastWriteTime.IsZero() {
			mtime = e.LastWriteTime.Format(time.DateTime)
		}
		fmt.Printf("%10s  %-19s  %s\n", size, mtime, full)
	}
	return nil
}
